// Command docgen builds docs/api.adoc from the @Title/@Route/@Description/
// @Response comment blocks on the API handlers.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

type Endpoint struct {
	Title       string
	Route       string
	Description string
	Response    string
}

// Method returns the HTTP method part of the route.
func (e Endpoint) Method() string {
	method, _, _ := strings.Cut(e.Route, " ")
	return method
}

// Path returns the route without method or query string.
func (e Endpoint) Path() string {
	_, rest, _ := strings.Cut(e.Route, " ")
	path, _, _ := strings.Cut(rest, "?")
	return path
}

var (
	reTitle = regexp.MustCompile(`// @Title: (.*)`)
	reRoute = regexp.MustCompile(`// @Route: (.*)`)
	reDesc  = regexp.MustCompile(`// @Description: (.*)`)
	reResp  = regexp.MustCompile(`// @Response: (.*)`)
)

func main() {
	apiDir := flag.String("api", "internal/api", "directory holding the annotated handlers")
	out := flag.String("out", "docs/api.adoc", "output AsciiDoc file")
	flag.Parse()

	endpoints, err := collect(*apiDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "docgen: %v\n", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(filepath.Dir(*out), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "docgen: %v\n", err)
		os.Exit(1)
	}
	f, err := os.Create(*out)
	if err != nil {
		fmt.Fprintf(os.Stderr, "docgen: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	if err := render(f, endpoints); err != nil {
		fmt.Fprintf(os.Stderr, "docgen: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Generated %s (%d endpoints)\n", *out, len(endpoints))
}

// collect scans every non-test Go file in dir for annotated handlers.
func collect(dir string) ([]Endpoint, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var endpoints []Endpoint
	for _, file := range files {
		name := file.Name()
		if !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}
		found, err := scanFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, found...)
	}

	sort.SliceStable(endpoints, func(i, j int) bool {
		return endpoints[i].Path() < endpoints[j].Path()
	})
	return endpoints, nil
}

func scanFile(path string) ([]Endpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var (
		endpoints []Endpoint
		current   Endpoint
	)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()

		if match := reTitle.FindStringSubmatch(line); len(match) > 1 {
			current.Title = strings.TrimSpace(match[1])
		}
		if match := reRoute.FindStringSubmatch(line); len(match) > 1 {
			current.Route = strings.TrimSpace(match[1])
		}
		if match := reDesc.FindStringSubmatch(line); len(match) > 1 {
			current.Description = strings.TrimSpace(match[1])
		}
		if match := reResp.FindStringSubmatch(line); len(match) > 1 {
			current.Response = strings.TrimSpace(match[1])
			// End of block
			if current.Title != "" && current.Route != "" {
				endpoints = append(endpoints, current)
			}
			current = Endpoint{}
		}
	}
	return endpoints, scanner.Err()
}

func render(w io.Writer, endpoints []Endpoint) error {
	var b strings.Builder
	b.WriteString("= sBTC Bazaar Node API\n")
	b.WriteString(":toc: left\n\n")
	b.WriteString("Generated from the handler annotations by `go run ./cmd/docgen`. Do not edit by hand.\n\n")

	b.WriteString("[cols=\"1,3,4\",options=\"header\"]\n|===\n|Method |Route |Summary\n")
	for _, ep := range endpoints {
		fmt.Fprintf(&b, "|%s |`%s` |%s\n", ep.Method(), ep.Path(), ep.Title)
	}
	b.WriteString("|===\n")

	for _, ep := range endpoints {
		fmt.Fprintf(&b, "\n== %s\n\n", ep.Title)
		fmt.Fprintf(&b, "`%s`\n\n", ep.Route)
		if ep.Description != "" {
			fmt.Fprintf(&b, "%s\n\n", ep.Description)
		}
		if ep.Response != "" {
			fmt.Fprintf(&b, ".Response\n----\n%s\n----\n", ep.Response)
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}
