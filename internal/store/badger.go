package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v4"
	"go.uber.org/zap"

	"sbtc.bazaar/bazaar/internal/types"
)

const (
	prefixMarketToken   = "BAZAAR:TOKEN:"
	prefixMarketListing = "BAZAAR:LISTING:"
	prefixMarketBalance = "BAZAAR:BALANCE:"
	prefixMarketNonce   = "BAZAAR:NONCE:"
	keyMarketMeta       = "BAZAAR:META"
	keyMarketPending    = "BAZAAR:PENDING"
)

// ErrIncompleteSave is returned by Load when a batched save was interrupted
// and the stored records may mix two heights. Restore from a backup.
var ErrIncompleteSave = errors.New("badger store holds an interrupted save")

type snapshotMeta struct {
	Height      int64
	AppHash     []byte
	LastTokenID uint64
}

const badgerBackupPrefix = "marketplace-badger"
const badgerBackupExt = ".bak"

// BadgerStore keeps the snapshot as one badger key per record.
type BadgerStore struct {
	db        *badger.DB
	backupDir string
	log       *zap.Logger

	mu sync.Mutex
	// saved mirrors the records on disk after the last Load or Save, nil
	// when unknown.
	saved *recordSet
}

// OpenBadger opens a badger database at path. An empty path opens an
// in-memory database.
func OpenBadger(path string, log *zap.Logger) (*BadgerStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	return openBadger(opts, log)
}

func openBadger(opts badger.Options, log *zap.Logger) (*BadgerStore, error) {
	path := opts.Dir
	if opts.InMemory {
		path = ""
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	bs := &BadgerStore{db: db, log: log}
	if path != "" {
		bs.backupDir = filepath.Join(filepath.Dir(path), defaultBackupDirName)
	}
	return bs, nil
}

func (bs *BadgerStore) Close() error {
	return bs.db.Close()
}

// RunGC reclaims value log space once the log has grown.
func (bs *BadgerStore) RunGC() {
	lsm, vlog := bs.db.Size()
	bs.log.Debug("badger size", zap.Int64("lsm", lsm), zap.Int64("vlog", vlog))
	if lsm > 1024*1024*8 || vlog > 1024*1024*32 {
		err := bs.db.RunValueLogGC(0.5)
		bs.log.Debug("badger value log gc", zap.Error(err))
	}
}

// BackupCurrent streams a full badger backup to a timestamped file and prunes
// old backups beyond maxBackups.
func (bs *BadgerStore) BackupCurrent(maxBackups int) (string, error) {
	if bs.backupDir == "" {
		return "", errors.New("in-memory store has no backup directory")
	}
	if maxBackups <= 0 {
		maxBackups = defaultMaxBackups
	}
	if err := os.MkdirAll(bs.backupDir, 0o755); err != nil {
		return "", fmt.Errorf("ensure backup directory: %w", err)
	}

	path := uniqueBackupPath(bs.backupDir, badgerBackupPrefix+badgerBackupExt)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("create backup: %w", err)
	}
	if _, err := bs.db.Backup(f, 0); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write backup: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close backup: %w", err)
	}

	pruneBackups(bs.backupDir, badgerBackupPrefix, badgerBackupExt, maxBackups)
	bs.log.Info("marketplace badger store backed up", zap.String("path", path))
	return path, nil
}

// Backups lists the backup files, newest first.
func (bs *BadgerStore) Backups() ([]BackupFile, error) {
	if bs.backupDir == "" {
		return nil, nil
	}
	return listBackupFiles(bs.backupDir, badgerBackupPrefix, badgerBackupExt)
}

// Save writes only the records that changed since the previous save. The
// change set normally fits one badger transaction. When it does not, it is
// streamed through a WriteBatch behind a pending marker that the final meta
// update clears, and Load refuses a store whose marker is still set.
func (bs *BadgerStore) Save(snap *types.Snapshot) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if bs.saved == nil {
		var prev *types.Snapshot
		err := bs.db.View(func(txn *badger.Txn) error {
			var err error
			prev, err = readRecords(txn)
			return err
		})
		if err != nil {
			return fmt.Errorf("read stored records: %w", err)
		}
		bs.saved = newRecordSet(prev)
	}

	next := newRecordSet(snap)
	ops, err := diffRecords(bs.saved, next)
	if err != nil {
		return fmt.Errorf("encode records: %w", err)
	}
	meta, err := msgpack.Marshal(&snapshotMeta{Height: snap.Height, AppHash: snap.AppHash, LastTokenID: snap.LastTokenID})
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}

	err = bs.db.Update(func(txn *badger.Txn) error {
		for _, op := range ops {
			if err := op.apply(txn.Set, txn.Delete); err != nil {
				return err
			}
		}
		return txn.Set([]byte(keyMarketMeta), meta)
	})
	if errors.Is(err, badger.ErrTxnTooBig) {
		bs.log.Info("snapshot changes exceed one transaction, writing in batches",
			zap.Int64("height", snap.Height),
			zap.Int("records", len(ops)))
		err = bs.saveBatched(ops, meta, snap.Height)
	}
	if err != nil {
		// what reached disk is unknown, so the next save diffs against the store
		bs.saved = nil
		return err
	}
	bs.saved = next
	return nil
}

func (bs *BadgerStore) saveBatched(ops []recordOp, meta []byte, height int64) error {
	marker := make([]byte, 8)
	binary.BigEndian.PutUint64(marker, uint64(height))
	if err := bs.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyMarketPending), marker)
	}); err != nil {
		return fmt.Errorf("mark pending save: %w", err)
	}

	wb := bs.db.NewWriteBatch()
	defer wb.Cancel()
	for _, op := range ops {
		if err := op.apply(wb.Set, wb.Delete); err != nil {
			return fmt.Errorf("batch write: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush batch: %w", err)
	}

	return bs.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(keyMarketMeta), meta); err != nil {
			return err
		}
		return txn.Delete([]byte(keyMarketPending))
	})
}

func (bs *BadgerStore) Load() (*types.Snapshot, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	txn := bs.db.NewTransaction(false)
	defer txn.Discard()

	if _, err := txn.Get([]byte(keyMarketPending)); err == nil {
		return nil, ErrIncompleteSave
	} else if err != badger.ErrKeyNotFound {
		return nil, err
	}

	item, err := txn.Get([]byte(keyMarketMeta))
	if err == badger.ErrKeyNotFound {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var meta snapshotMeta
	if err := item.Value(func(val []byte) error {
		return msgpack.Unmarshal(val, &meta)
	}); err != nil {
		return nil, fmt.Errorf("decode meta: %w", err)
	}

	snap, err := readRecords(txn)
	if err != nil {
		return nil, err
	}
	snap.Height = meta.Height
	snap.AppHash = meta.AppHash
	snap.LastTokenID = meta.LastTokenID
	bs.saved = newRecordSet(snap)
	return snap, nil
}

// readRecords reads every token, listing, balance and nonce record in key
// order. The meta fields of the result are left zero.
func readRecords(txn *badger.Txn) (*types.Snapshot, error) {
	snap := &types.Snapshot{
		Tokens:   []types.Token{},
		Listings: []types.ListingEntry{},
		Balances: make(map[types.Principal]uint64),
	}

	err := iteratePrefix(txn, prefixMarketToken, func(key, val []byte) error {
		var t types.Token
		if err := msgpack.Unmarshal(val, &t); err != nil {
			return fmt.Errorf("decode token: %w", err)
		}
		snap.Tokens = append(snap.Tokens, t)
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = iteratePrefix(txn, prefixMarketListing, func(key, val []byte) error {
		var l types.Listing
		if err := msgpack.Unmarshal(val, &l); err != nil {
			return fmt.Errorf("decode listing: %w", err)
		}
		id := binary.BigEndian.Uint64(key[len(prefixMarketListing):])
		snap.Listings = append(snap.Listings, types.ListingEntry{TokenID: id, Listing: l})
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = iteratePrefix(txn, prefixMarketBalance, func(key, val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("malformed balance value for %s", key)
		}
		p := types.Principal(key[len(prefixMarketBalance):])
		snap.Balances[p] = binary.BigEndian.Uint64(val)
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = iteratePrefix(txn, prefixMarketNonce, func(key, val []byte) error {
		snap.Nonces = append(snap.Nonces, string(key[len(prefixMarketNonce):]))
		return nil
	})
	if err != nil {
		return nil, err
	}

	return snap, nil
}

// recordSet is the keyed form of a snapshot used to compute the writes of a
// save.
type recordSet struct {
	tokens   map[uint64]types.Token
	listings map[uint64]types.Listing
	balances map[types.Principal]uint64
	nonces   map[string]bool
}

func newRecordSet(snap *types.Snapshot) *recordSet {
	rs := &recordSet{
		tokens:   make(map[uint64]types.Token),
		listings: make(map[uint64]types.Listing),
		balances: make(map[types.Principal]uint64),
		nonces:   make(map[string]bool),
	}
	if snap == nil {
		return rs
	}
	for _, t := range snap.Tokens {
		rs.tokens[t.ID] = t
	}
	for _, e := range snap.Listings {
		rs.listings[e.TokenID] = e.Listing
	}
	for p, amount := range snap.Balances {
		rs.balances[p] = amount
	}
	for _, n := range snap.Nonces {
		rs.nonces[n] = true
	}
	return rs
}

// recordOp sets key to val, or deletes key when val is nil.
type recordOp struct {
	key []byte
	val []byte
}

func (op recordOp) apply(set func(k, v []byte) error, del func(k []byte) error) error {
	if op.val == nil {
		return del(op.key)
	}
	return set(op.key, op.val)
}

func diffRecords(prev, next *recordSet) ([]recordOp, error) {
	var ops []recordOp
	var err error
	tokenKey := func(id uint64) []byte { return idKey(prefixMarketToken, id) }
	if ops, err = diffMap(ops, prev.tokens, next.tokens, tokenKey, encodeMsgpack[types.Token]); err != nil {
		return nil, err
	}
	listingKey := func(id uint64) []byte { return idKey(prefixMarketListing, id) }
	if ops, err = diffMap(ops, prev.listings, next.listings, listingKey, encodeMsgpack[types.Listing]); err != nil {
		return nil, err
	}
	balanceKey := func(p types.Principal) []byte { return []byte(prefixMarketBalance + string(p)) }
	if ops, err = diffMap(ops, prev.balances, next.balances, balanceKey, encodeAmount); err != nil {
		return nil, err
	}
	nonceKey := func(n string) []byte { return []byte(prefixMarketNonce + n) }
	return diffMap(ops, prev.nonces, next.nonces, nonceKey, func(bool) ([]byte, error) { return []byte{1}, nil })
}

// diffMap appends a set for every entry of next that is new or changed and a
// delete for every entry of prev missing from next.
func diffMap[K, V comparable](ops []recordOp, prev, next map[K]V, key func(K) []byte, encode func(V) ([]byte, error)) ([]recordOp, error) {
	for k, v := range next {
		if old, ok := prev[k]; ok && old == v {
			continue
		}
		val, err := encode(v)
		if err != nil {
			return nil, err
		}
		ops = append(ops, recordOp{key: key(k), val: val})
	}
	for k := range prev {
		if _, ok := next[k]; !ok {
			ops = append(ops, recordOp{key: key(k)})
		}
	}
	return ops, nil
}

func encodeMsgpack[V any](v V) ([]byte, error) {
	return msgpack.Marshal(&v)
}

func encodeAmount(amount uint64) ([]byte, error) {
	val := make([]byte, 8)
	binary.BigEndian.PutUint64(val, amount)
	return val, nil
}

// idKey encodes ids big-endian so prefix iteration yields ascending order.
func idKey(prefix string, id uint64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], id)
	return key
}

func iteratePrefix(txn *badger.Txn, prefix string, fn func(key, val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := fn(key, val); err != nil {
			return err
		}
	}
	return nil
}
