// Command bazaar is the marketplace command-line client. It signs
// transactions with a local wallet key and submits them through a node's
// HTTP API or directly to a Tendermint RPC endpoint.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"go.uber.org/zap"

	"sbtc.bazaar/bazaar/internal/client"
	"sbtc.bazaar/bazaar/internal/config"
	"sbtc.bazaar/bazaar/internal/logger"
	"sbtc.bazaar/bazaar/internal/tendermint"
	"sbtc.bazaar/bazaar/internal/types"
	"sbtc.bazaar/bazaar/internal/wallet"
)

const usage = `usage: bazaar [global flags] <command> [flags]

Commands:
  keygen                      create a wallet key file
  whoami                      print the wallet principal
  mint    -name -desc -image [-collateral 0.01]
  list    -id -price          list a token for sale (price in sBTC)
  buy     -id                 buy a listed token
  cancel  -id                 cancel a listing
  token   -id                 show a token
  listing -id                 show a token's listing
  gallery [-filter all|owned|listed]
  balance [-principal p]      payment balance (defaults to the wallet)
  fee                         marketplace fee in basis points
  last-id                     id of the most recently minted token

Global flags:
`

type cli struct {
	keyFile string
	adapter *client.Adapter
	out     io.Writer
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cfg, err := config.LoadConfig(os.Getenv("CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(stderr, "bazaar: %v\n", err)
		return 1
	}

	global := flag.NewFlagSet("bazaar", flag.ContinueOnError)
	global.SetOutput(stderr)
	nodeURL := global.String("node", fmt.Sprintf("http://localhost:%d", cfg.Port), "marketplace node API URL")
	rpcURL := global.String("rpc", "", "Tendermint RPC URL; bypasses the node API when set")
	keyFile := global.String("key", cfg.KeyFile, "wallet key file")
	verbose := global.Bool("v", false, "log adapter activity")
	global.Usage = func() {
		fmt.Fprint(stderr, usage)
		global.PrintDefaults()
	}
	if err := global.Parse(args); err != nil {
		return 2
	}
	if global.NArg() == 0 {
		global.Usage()
		return 2
	}

	level := "error"
	if *verbose {
		level = "debug"
	}
	log, err := logger.New(level, nil)
	if err != nil {
		fmt.Fprintf(stderr, "bazaar: %v\n", err)
		return 1
	}
	defer log.Sync()

	var chain client.Chain = client.NewNodeClient(*nodeURL)
	if *rpcURL != "" {
		chain = tendermint.NewBroadcastClient(*rpcURL)
	}
	adapter := client.New(chain,
		client.WithPollInterval(cfg.PollInterval.Std()),
		client.WithConfirmTimeout(cfg.ConfirmTimeout.Std()),
		client.WithLogger(log.Named("client")),
	)
	defer adapter.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := &cli{keyFile: *keyFile, adapter: adapter, out: stdout}
	if err := c.dispatch(ctx, global.Arg(0), global.Args()[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 2
		}
		log.Debug("command failed", zap.String("command", global.Arg(0)), zap.Error(err))
		fmt.Fprintf(stderr, "bazaar: %v\n", err)
		return 1
	}
	return 0
}

func (c *cli) dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "keygen":
		return c.keygen(args)
	case "whoami":
		return c.whoami()
	case "mint":
		return c.mint(ctx, args)
	case "list":
		return c.list(ctx, args)
	case "buy":
		return c.tokenTx(ctx, "buy", args, c.adapter.Buy)
	case "cancel":
		return c.tokenTx(ctx, "cancel", args, c.adapter.CancelListing)
	case "token":
		return c.token(ctx, args)
	case "listing":
		return c.listing(ctx, args)
	case "gallery":
		return c.gallery(ctx, args)
	case "balance":
		return c.balance(ctx, args)
	case "fee":
		fee, err := c.adapter.MarketplaceFee(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%d basis points (%s%%)\n", fee, strconv.FormatFloat(float64(fee)/100, 'f', -1, 64))
		return nil
	case "last-id":
		id, err := c.adapter.LastTokenID(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(c.out, id)
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (c *cli) connect() error {
	w, err := wallet.Load(c.keyFile)
	if err != nil {
		return fmt.Errorf("load wallet %s (run keygen first): %w", c.keyFile, err)
	}
	c.adapter.Connect(w)
	return nil
}

func (c *cli) keygen(args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	force := fs.Bool("force", false, "overwrite an existing key file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := os.Stat(c.keyFile); err == nil && !*force {
		return fmt.Errorf("%s already exists; use -force to replace it", c.keyFile)
	}
	w, err := wallet.Generate(c.keyFile)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "wrote %s\n%s\n", c.keyFile, w.Principal())
	return nil
}

func (c *cli) whoami() error {
	w, err := wallet.Load(c.keyFile)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, w.Principal())
	return nil
}

func (c *cli) mint(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("mint", flag.ContinueOnError)
	name := fs.String("name", "", "token name")
	desc := fs.String("desc", "", "token description")
	image := fs.String("image", "", "image URI")
	collateral := fs.String("collateral", "0.01", "collateral in sBTC")
	if err := fs.Parse(args); err != nil {
		return err
	}
	amount, err := client.ParsePrice(*collateral)
	if err != nil {
		return fmt.Errorf("collateral: %w", err)
	}
	if err := c.connect(); err != nil {
		return err
	}
	meta := types.Metadata{Name: *name, Description: *desc, ImageURI: *image}
	return c.await(ctx, func(cb client.Callback) error {
		_, err := c.adapter.Mint(ctx, amount, meta, cb)
		return err
	})
}

func (c *cli) list(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	id := fs.Uint64("id", 0, "token id")
	price := fs.String("price", "", "price in sBTC")
	if err := fs.Parse(args); err != nil {
		return err
	}
	amount, err := client.ParsePrice(*price)
	if err != nil {
		return fmt.Errorf("price: %w", err)
	}
	if err := c.connect(); err != nil {
		return err
	}
	return c.await(ctx, func(cb client.Callback) error {
		_, err := c.adapter.List(ctx, *id, amount, cb)
		return err
	})
}

type tokenCall func(ctx context.Context, tokenID uint64, cb client.Callback) (string, error)

func (c *cli) tokenTx(ctx context.Context, name string, args []string, call tokenCall) error {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	id := fs.Uint64("id", 0, "token id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := c.connect(); err != nil {
		return err
	}
	return c.await(ctx, func(cb client.Callback) error {
		_, err := call(ctx, *id, cb)
		return err
	})
}

// await submits through send and blocks until the confirmation arrives.
func (c *cli) await(ctx context.Context, send func(client.Callback) error) error {
	done := make(chan client.Confirmation, 1)
	if err := send(func(conf client.Confirmation) { done <- conf }); err != nil {
		return err
	}
	fmt.Fprintln(c.out, "submitted, waiting for confirmation...")

	select {
	case conf := <-done:
		if !conf.Success {
			return conf.Err
		}
		if conf.Kind == client.KindMint {
			fmt.Fprintf(c.out, "%s confirmed: token %d (tx %s)\n", conf.Kind.Label(), conf.TokenID, conf.Hash)
		} else {
			fmt.Fprintf(c.out, "%s confirmed (tx %s)\n", conf.Kind.Label(), conf.Hash)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *cli) idFlag(name string, args []string) (uint64, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	id := fs.Uint64("id", 0, "token id")
	if err := fs.Parse(args); err != nil {
		return 0, err
	}
	if *id == 0 {
		return 0, errors.New("-id is required")
	}
	return *id, nil
}

func (c *cli) token(ctx context.Context, args []string) error {
	id, err := c.idFlag("token", args)
	if err != nil {
		return err
	}
	token, err := c.adapter.Token(ctx, id)
	if err != nil {
		return err
	}
	if token == nil {
		return fmt.Errorf("token %d not found", id)
	}
	return c.printJSON(token)
}

func (c *cli) listing(ctx context.Context, args []string) error {
	id, err := c.idFlag("listing", args)
	if err != nil {
		return err
	}
	listing, err := c.adapter.TokenListing(ctx, id)
	if err != nil {
		return err
	}
	if listing == nil {
		fmt.Fprintf(c.out, "token %d is not listed\n", id)
		return nil
	}
	fmt.Fprintf(c.out, "token %d listed by %s for %s\n", id, listing.Seller.Short(), client.FormatPrice(listing.Price))
	return nil
}

func (c *cli) gallery(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("gallery", flag.ContinueOnError)
	raw := fs.String("filter", "all", "all, owned or listed")
	if err := fs.Parse(args); err != nil {
		return err
	}
	filter, err := client.ParseFilter(*raw)
	if err != nil {
		return err
	}
	if filter == client.FilterOwned {
		if err := c.connect(); err != nil {
			return err
		}
	}
	items, err := c.adapter.Gallery(ctx, filter)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Fprintln(c.out, "no tokens")
		return nil
	}
	for _, item := range items {
		price := "-"
		if item.Listing != nil {
			price = client.FormatPrice(item.Listing.Price)
		}
		fmt.Fprintf(c.out, "#%-4d %-24s %-20s %s\n", item.TokenID, item.Metadata.Name, item.Owner.Short(), price)
	}
	return nil
}

func (c *cli) balance(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("balance", flag.ContinueOnError)
	principal := fs.String("principal", "", "principal to look up")
	if err := fs.Parse(args); err != nil {
		return err
	}
	p := types.Principal(*principal)
	if p == "" {
		w, err := wallet.Load(c.keyFile)
		if err != nil {
			return err
		}
		p = w.Principal()
	}
	amount, err := c.adapter.Balance(ctx, p)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, client.FormatPrice(amount))
	return nil
}

func (c *cli) printJSON(v interface{}) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
