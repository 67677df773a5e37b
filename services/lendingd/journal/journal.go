package journal

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"lukechampine.com/blake3"

	"reservebank/core/events"
)

// ErrChainBroken is returned by Verify when an entry does not link to its
// predecessor or its digest does not match its contents.
var ErrChainBroken = errors.New("journal: hash chain broken")

const verifyBatch = 500

// Entry is one committed lending event.
type Entry struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Sequence   uint64    `gorm:"uniqueIndex;not null" json:"sequence"`
	Type       string    `gorm:"index;not null" json:"type"`
	User       string    `gorm:"index" json:"user,omitempty"`
	Asset      string    `gorm:"index" json:"asset,omitempty"`
	Amount     string    `json:"amount,omitempty"`
	Attributes string    `gorm:"type:text" json:"attributes"`
	CreatedAt  time.Time `json:"createdAt"`
	PrevDigest string    `gorm:"size:64" json:"prevDigest"`
	Digest     string    `gorm:"size:64;not null" json:"digest"`
}

func (Entry) TableName() string { return "journal_entries" }

// AutoMigrate creates or updates the journal table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Entry{})
}

// Open connects to the journal database. Supported drivers are sqlite and
// postgres.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("journal: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", driver, err)
	}
	return db, nil
}

// Journal appends events to a hash chained SQL table.
type Journal struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	sequence uint64
	head     string
}

// New migrates the schema and resumes the chain from the last stored entry.
func New(db *gorm.DB, logger *slog.Logger) (*Journal, error) {
	if db == nil {
		return nil, fmt.Errorf("journal: database required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	j := &Journal{db: db, logger: logger.With("component", "journal"), now: time.Now}
	var last Entry
	err := db.Order("sequence desc").Limit(1).Take(&last).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		return nil, fmt.Errorf("journal: load head: %w", err)
	default:
		j.sequence = last.Sequence
		j.head = last.Digest
	}
	return j, nil
}

// SetClock overrides the timestamp source.
func (j *Journal) SetClock(now func() time.Time) {
	if now != nil {
		j.now = now
	}
}

// Emit implements events.Emitter. Failures are logged; the engine has
// already committed the operation.
func (j *Journal) Emit(evt events.Event) {
	if j == nil || evt == nil {
		return
	}
	if _, err := j.Append(context.Background(), evt); err != nil {
		j.logger.Error("journal append failed", "type", evt.EventType(), "error", err)
	}
}

// Append stores evt as the next entry of the chain.
func (j *Journal) Append(ctx context.Context, evt events.Event) (*Entry, error) {
	view := events.Flatten(evt)
	encoded, err := json.Marshal(view.Attributes)
	if err != nil {
		return nil, fmt.Errorf("journal: encode attributes: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	entry := &Entry{
		ID:         uuid.New(),
		Sequence:   j.sequence + 1,
		Type:       evt.EventType(),
		User:       view.Lookup("user", "borrower"),
		Asset:      view.Lookup("asset", "debtAsset"),
		Amount:     view.Lookup("amount", "repaid"),
		Attributes: string(encoded),
		CreatedAt:  j.now().UTC().Truncate(time.Microsecond),
		PrevDigest: j.head,
	}
	entry.Digest = digest(entry)
	if err := j.db.WithContext(ctx).Create(entry).Error; err != nil {
		return nil, fmt.Errorf("journal: insert: %w", err)
	}
	j.sequence = entry.Sequence
	j.head = entry.Digest
	return entry, nil
}

// List returns up to limit entries with a sequence greater than after.
func (j *Journal) List(ctx context.Context, after uint64, limit int) ([]Entry, error) {
	if limit <= 0 || limit > verifyBatch {
		limit = verifyBatch
	}
	var out []Entry
	err := j.db.WithContext(ctx).
		Where("sequence > ?", after).
		Order("sequence asc").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("journal: list: %w", err)
	}
	return out, nil
}

// Head returns the latest sequence number and digest.
func (j *Journal) Head() (uint64, string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.sequence, j.head
}

// Verify walks the whole chain and recomputes every digest.
func (j *Journal) Verify(ctx context.Context) error {
	var (
		after uint64
		prev  string
	)
	for {
		batch, err := j.List(ctx, after, verifyBatch)
		if err != nil {
			return err
		}
		for i := range batch {
			entry := &batch[i]
			if entry.Sequence != after+1 {
				return fmt.Errorf("%w: expected sequence %d, found %d", ErrChainBroken, after+1, entry.Sequence)
			}
			if entry.PrevDigest != prev {
				return fmt.Errorf("%w: entry %d does not link to its predecessor", ErrChainBroken, entry.Sequence)
			}
			if digest(entry) != entry.Digest {
				return fmt.Errorf("%w: entry %d digest mismatch", ErrChainBroken, entry.Sequence)
			}
			prev = entry.Digest
			after = entry.Sequence
		}
		if len(batch) < verifyBatch {
			return nil
		}
	}
}

func digest(e *Entry) string {
	var buf bytes.Buffer
	prev, _ := hex.DecodeString(e.PrevDigest)
	buf.Write(prev)
	var num [8]byte
	binary.BigEndian.PutUint64(num[:], e.Sequence)
	buf.Write(num[:])
	binary.BigEndian.PutUint64(num[:], uint64(e.CreatedAt.UnixMicro()))
	buf.Write(num[:])
	for _, field := range []string{e.ID.String(), e.Type, e.User, e.Asset, e.Amount, e.Attributes} {
		binary.BigEndian.PutUint64(num[:], uint64(len(field)))
		buf.Write(num[:])
		buf.WriteString(field)
	}
	sum := blake3.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}
