package store

import (
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"sbtc.bazaar/bazaar/internal/types"

	_ "modernc.org/sqlite"
)

const (
	defaultDBFile        = "marketplace.db"
	defaultBackupDirName = "backups"
	maxBusyTimeoutMs     = 5000
	defaultMaxBackups    = 20
)

var errNoBackups = errors.New("no marketplace backups available")

// SQLiteStore keeps the snapshot in a SQLite database file.
type SQLiteStore struct {
	mu        sync.RWMutex
	db        *sql.DB
	file      string
	backupDir string
	log       *zap.Logger
}

type backupInfo struct {
	path      string
	timestamp int64
}

// NewSQLiteStore opens (or creates) the database at filePath. A database that
// cannot be opened is replaced by the newest backup, or by a fresh file when
// no backup exists.
func NewSQLiteStore(filePath string, log *zap.Logger) (*SQLiteStore, error) {
	if filePath == "" {
		filePath = defaultDBFile
	}
	if log == nil {
		log = zap.NewNop()
	}

	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, fmt.Errorf("resolve db path: %w", err)
	}

	s := &SQLiteStore{
		file:      absPath,
		backupDir: filepath.Join(filepath.Dir(absPath), defaultBackupDirName),
		log:       log,
	}

	if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup directory: %w", err)
	}

	if err := s.tryOpenOrRecover(); err != nil {
		return nil, err
	}

	if err := s.ensureSchema(); err != nil {
		_ = s.closeDB()
		return nil, err
	}

	return s, nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeDB()
}

func (s *SQLiteStore) tryOpenOrRecover() error {
	if err := s.openDB(); err != nil {
		s.log.Warn("opening marketplace db failed, recovering", zap.Error(err))
		if recErr := s.recoverDatabase(err); recErr != nil {
			return recErr
		}
	}
	return nil
}

func (s *SQLiteStore) openDB() error {
	if err := os.MkdirAll(filepath.Dir(s.file), 0o755); err != nil {
		return fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s", filepath.Clean(s.file)))
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d", maxBusyTimeoutMs)); err != nil {
		db.Close()
		return fmt.Errorf("set busy timeout: %w", err)
	}

	var objects int
	if err := db.QueryRow("SELECT count(*) FROM sqlite_master").Scan(&objects); err != nil {
		db.Close()
		return fmt.Errorf("read sqlite header: %w", err)
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) recoverDatabase(openErr error) error {
	if err := s.restoreLatestBackup(); err != nil {
		if errors.Is(err, errNoBackups) {
			if cleanErr := s.resetDatabaseFiles(); cleanErr != nil {
				return fmt.Errorf("reset database after %v: %w", openErr, cleanErr)
			}
			if err := s.openDB(); err != nil {
				return fmt.Errorf("create fresh database after %v: %w", openErr, err)
			}
			return nil
		}
		return fmt.Errorf("restore database after %v: %w", openErr, err)
	}
	return nil
}

func (s *SQLiteStore) closeDB() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) resetDatabaseFiles() error {
	_ = s.closeDB()

	var firstErr error
	for _, path := range []string{s.file, s.file + "-wal", s.file + "-shm"} {
		if err := os.Remove(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			if firstErr == nil {
				firstErr = fmt.Errorf("remove %s: %w", filepath.Base(path), err)
			}
		}
	}
	return firstErr
}

func (s *SQLiteStore) restoreLatestBackup() error {
	base := filepath.Base(s.file)
	ext := filepath.Ext(base)
	backups, err := listBackups(s.backupDir, strings.TrimSuffix(base, ext), ext)
	if err != nil {
		return err
	}
	if len(backups) == 0 {
		return errNoBackups
	}

	latest := backups[len(backups)-1]
	if err := s.resetDatabaseFiles(); err != nil {
		return err
	}
	if err := copyFile(latest.path, s.file); err != nil {
		return fmt.Errorf("copy backup %s: %w", filepath.Base(latest.path), err)
	}
	s.log.Info("restored marketplace db from backup", zap.String("backup", latest.path))
	return s.openDB()
}

func (s *SQLiteStore) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tokens (
			id INTEGER PRIMARY KEY,
			owner TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL,
			image_uri TEXT NOT NULL,
			collateral TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS listings (
			token_id INTEGER PRIMARY KEY REFERENCES tokens(id),
			price TEXT NOT NULL,
			seller TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS balances (
			principal TEXT PRIMARY KEY,
			amount TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS nonces (
			nonce TEXT PRIMARY KEY
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL").Scan(&mode); err != nil {
		return fmt.Errorf("enable WAL: %w", err)
	}

	return nil
}

// Save replaces the stored snapshot in a single SQL transaction.
// Amounts are stored as decimal text since SQLite integers are signed.
func (s *SQLiteStore) Save(snap *types.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}

	if err := saveSnapshot(tx, snap); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}

func saveSnapshot(tx *sql.Tx, snap *types.Snapshot) error {
	for _, table := range []string{"listings", "tokens", "balances", "nonces", "meta"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("truncate %s: %w", table, err)
		}
	}

	meta := map[string]string{
		"height":        strconv.FormatInt(snap.Height, 10),
		"app_hash":      hex.EncodeToString(snap.AppHash),
		"last_token_id": strconv.FormatUint(snap.LastTokenID, 10),
	}
	for k, v := range meta {
		if _, err := tx.Exec(`INSERT INTO meta (key, value) VALUES (?, ?)`, k, v); err != nil {
			return fmt.Errorf("insert meta %s: %w", k, err)
		}
	}

	tokenStmt, err := tx.Prepare(`INSERT INTO tokens (id, owner, name, description, image_uri, collateral)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare token insert: %w", err)
	}
	defer tokenStmt.Close()
	for _, t := range snap.Tokens {
		if _, err := tokenStmt.Exec(uintArg(t.ID), string(t.Owner), t.Metadata.Name,
			t.Metadata.Description, t.Metadata.ImageURI, strconv.FormatUint(t.Collateral, 10)); err != nil {
			return fmt.Errorf("insert token %d: %w", t.ID, err)
		}
	}

	for _, l := range snap.Listings {
		if _, err := tx.Exec(`INSERT INTO listings (token_id, price, seller) VALUES (?, ?, ?)`,
			uintArg(l.TokenID), strconv.FormatUint(l.Price, 10), string(l.Seller)); err != nil {
			return fmt.Errorf("insert listing %d: %w", l.TokenID, err)
		}
	}

	for p, amount := range snap.Balances {
		if _, err := tx.Exec(`INSERT INTO balances (principal, amount) VALUES (?, ?)`,
			string(p), strconv.FormatUint(amount, 10)); err != nil {
			return fmt.Errorf("insert balance: %w", err)
		}
	}

	nonceStmt, err := tx.Prepare(`INSERT INTO nonces (nonce) VALUES (?)`)
	if err != nil {
		return fmt.Errorf("prepare nonce insert: %w", err)
	}
	defer nonceStmt.Close()
	for _, n := range snap.Nonces {
		if _, err := nonceStmt.Exec(n); err != nil {
			return fmt.Errorf("insert nonce: %w", err)
		}
	}
	return nil
}

// Load reads the stored snapshot.
func (s *SQLiteStore) Load() (*types.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta := make(map[string]string)
	rows, err := s.db.Query(`SELECT key, value FROM meta`)
	if err != nil {
		return nil, fmt.Errorf("query meta: %w", err)
	}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan meta: %w", err)
		}
		meta[k] = v
	}
	rows.Close()

	if _, ok := meta["height"]; !ok {
		return nil, nil
	}

	snap := &types.Snapshot{}
	if snap.Height, err = strconv.ParseInt(meta["height"], 10, 64); err != nil {
		return nil, fmt.Errorf("parse height: %w", err)
	}
	if snap.LastTokenID, err = strconv.ParseUint(meta["last_token_id"], 10, 64); err != nil {
		return nil, fmt.Errorf("parse last token id: %w", err)
	}
	if h := meta["app_hash"]; h != "" {
		if snap.AppHash, err = hex.DecodeString(h); err != nil {
			return nil, fmt.Errorf("parse app hash: %w", err)
		}
	}

	if snap.Tokens, err = s.loadTokens(); err != nil {
		return nil, err
	}
	if snap.Listings, err = s.loadListings(); err != nil {
		return nil, err
	}
	if snap.Balances, err = s.loadBalances(); err != nil {
		return nil, err
	}
	if snap.Nonces, err = s.loadNonces(); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *SQLiteStore) loadTokens() ([]types.Token, error) {
	rows, err := s.db.Query(`SELECT id, owner, name, description, image_uri, collateral FROM tokens ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query tokens: %w", err)
	}
	defer rows.Close()

	tokens := []types.Token{}
	for rows.Next() {
		var (
			t              types.Token
			id, collateral string
			owner          string
		)
		if err := rows.Scan(&id, &owner, &t.Metadata.Name, &t.Metadata.Description, &t.Metadata.ImageURI, &collateral); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		if t.ID, err = strconv.ParseUint(id, 10, 64); err != nil {
			return nil, fmt.Errorf("parse token id: %w", err)
		}
		if t.Collateral, err = strconv.ParseUint(collateral, 10, 64); err != nil {
			return nil, fmt.Errorf("parse collateral: %w", err)
		}
		t.Owner = types.Principal(owner)
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func (s *SQLiteStore) loadListings() ([]types.ListingEntry, error) {
	rows, err := s.db.Query(`SELECT token_id, price, seller FROM listings ORDER BY token_id`)
	if err != nil {
		return nil, fmt.Errorf("query listings: %w", err)
	}
	defer rows.Close()

	listings := []types.ListingEntry{}
	for rows.Next() {
		var id, price, seller string
		if err := rows.Scan(&id, &price, &seller); err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		var e types.ListingEntry
		if e.TokenID, err = strconv.ParseUint(id, 10, 64); err != nil {
			return nil, fmt.Errorf("parse listing id: %w", err)
		}
		if e.Price, err = strconv.ParseUint(price, 10, 64); err != nil {
			return nil, fmt.Errorf("parse listing price: %w", err)
		}
		e.Seller = types.Principal(seller)
		listings = append(listings, e)
	}
	return listings, rows.Err()
}

func (s *SQLiteStore) loadBalances() (map[types.Principal]uint64, error) {
	rows, err := s.db.Query(`SELECT principal, amount FROM balances`)
	if err != nil {
		return nil, fmt.Errorf("query balances: %w", err)
	}
	defer rows.Close()

	balances := make(map[types.Principal]uint64)
	for rows.Next() {
		var p, amount string
		if err := rows.Scan(&p, &amount); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		v, err := strconv.ParseUint(amount, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse balance: %w", err)
		}
		balances[types.Principal(p)] = v
	}
	return balances, rows.Err()
}

func (s *SQLiteStore) loadNonces() ([]string, error) {
	rows, err := s.db.Query(`SELECT nonce FROM nonces ORDER BY nonce`)
	if err != nil {
		return nil, fmt.Errorf("query nonces: %w", err)
	}
	defer rows.Close()

	var nonces []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan nonce: %w", err)
		}
		nonces = append(nonces, n)
	}
	return nonces, rows.Err()
}

// uintArg binds an id to an INTEGER column.
func uintArg(v uint64) any {
	if v <= 1<<63-1 {
		return int64(v)
	}
	return strconv.FormatUint(v, 10)
}

// BackupCurrent writes a copy of the database to a timestamped file and
// prunes old backups beyond maxBackups. Returns the backup path when created.
func (s *SQLiteStore) BackupCurrent(maxBackups int) (string, error) {
	snapshot, err := s.ExportSnapshot()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}

	if maxBackups <= 0 {
		maxBackups = defaultMaxBackups
	}

	if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
		return "", fmt.Errorf("ensure backup directory: %w", err)
	}

	base := filepath.Base(s.file)
	ext := filepath.Ext(base)
	prefix := strings.TrimSuffix(base, ext)

	backupPath := uniqueBackupPath(s.backupDir, base)
	if err := os.WriteFile(backupPath, snapshot, 0o600); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}

	pruneBackups(s.backupDir, prefix, ext, maxBackups)
	s.log.Info("marketplace db backed up", zap.String("path", backupPath))

	return backupPath, nil
}

// Backups lists the backup files, newest first.
func (s *SQLiteStore) Backups() ([]BackupFile, error) {
	base := filepath.Base(s.file)
	ext := filepath.Ext(base)
	return listBackupFiles(s.backupDir, strings.TrimSuffix(base, ext), ext)
}

// ExportSnapshot returns a consistent copy of the current database file.
func (s *SQLiteStore) ExportSnapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.file); errors.Is(err, os.ErrNotExist) {
		return nil, os.ErrNotExist
	}

	tempFile, err := os.CreateTemp(filepath.Dir(s.file), "marketplace-export-*.db")
	if err != nil {
		return nil, fmt.Errorf("create temp export file: %w", err)
	}
	tempPath := tempFile.Name()
	tempFile.Close()
	// VACUUM INTO refuses to overwrite an existing file
	os.Remove(tempPath)

	escaped := strings.ReplaceAll(tempPath, "'", "''")
	if _, err := s.db.Exec(fmt.Sprintf("VACUUM INTO '%s'", escaped)); err != nil {
		os.Remove(tempPath)
		return nil, fmt.Errorf("vacuum into temp file: %w", err)
	}

	data, err := os.ReadFile(tempPath)
	os.Remove(tempPath)
	if err != nil {
		return nil, fmt.Errorf("read export file: %w", err)
	}

	return data, nil
}

func listBackups(dir, prefix, ext string) ([]backupInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read backup directory: %w", err)
	}

	var backups []backupInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if !strings.HasPrefix(name, prefix+"-") {
			continue
		}
		if ext != "" && !strings.HasSuffix(name, ext) {
			continue
		}

		tsPart := strings.TrimPrefix(strings.TrimSuffix(name, ext), prefix+"-")
		ts, parseErr := strconv.ParseInt(tsPart, 10, 64)
		if parseErr != nil {
			info, statErr := entry.Info()
			if statErr != nil {
				continue
			}
			ts = info.ModTime().Unix()
		}

		backups = append(backups, backupInfo{
			path:      filepath.Join(dir, name),
			timestamp: ts,
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		if backups[i].timestamp == backups[j].timestamp {
			return backups[i].path < backups[j].path
		}
		return backups[i].timestamp < backups[j].timestamp
	})

	return backups, nil
}

func pruneBackups(dir, prefix, ext string, maxBackups int) {
	if maxBackups <= 0 {
		return
	}
	backups, err := listBackups(dir, prefix, ext)
	if err != nil || len(backups) <= maxBackups {
		return
	}
	for i := 0; i < len(backups)-maxBackups; i++ {
		_ = os.Remove(backups[i].path)
	}
}

func uniqueBackupPath(dir, base string) string {
	ext := filepath.Ext(base)
	prefix := strings.TrimSuffix(base, ext)
	if prefix == "" {
		prefix = base
	}

	timestamp := time.Now().Unix()
	for {
		path := filepath.Join(dir, fmt.Sprintf("%s-%d%s", prefix, timestamp, ext))
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return path
		}
		timestamp++
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
