// Package image writes and loads checkpoint images of the metadata tree.
// An image holds the catalog, every known alter job and the journal
// sequence it covers; a restart loads the newest image and replays the
// journal after that sequence.
package image

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/allyourbase/alterd/internal/alter"
	"github.com/allyourbase/alterd/internal/catalog"
	"github.com/allyourbase/alterd/internal/editlog"
)

const formatVersion = 1

// Image is one checkpoint.
type Image struct {
	Version    int               `json:"version"`
	ID         string            `json:"id"`
	NodeID     string            `json:"nodeId,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	JournalSeq uint64            `json:"journalSeq"`
	Catalog    json.RawMessage   `json:"catalog"`
	Jobs       []alter.JobRecord `json:"jobs"`
}

var nameRe = regexp.MustCompile(`^image\.(\d{20})\.[0-9a-f-]{36}\.json$`)

// Name sorts by journal sequence.
func (img *Image) Name() string {
	return fmt.Sprintf("image.%020d.%s.json", img.JournalSeq, img.ID)
}

func isImageName(name string) bool { return nameRe.MatchString(name) }

func seqOf(name string) uint64 {
	m := nameRe.FindStringSubmatch(name)
	if m == nil {
		return 0
	}
	n, _ := strconv.ParseUint(m[1], 10, 64)
	return n
}

// RestoreCatalog rebuilds the catalog captured by the image.
func (img *Image) RestoreCatalog() (*catalog.Catalog, error) {
	return catalog.Restore(img.Catalog)
}

// RestoreJobs registers the image's jobs with h, whose catalog must be the
// one returned by RestoreCatalog.
func (img *Image) RestoreJobs(h *alter.Handler) error {
	return h.RestoreJobs(img.Jobs)
}

// LoadLatest returns the image with the highest journal sequence, or nil
// when the store is empty.
func LoadLatest(ctx context.Context, store Store) (*Image, error) {
	names, err := store.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, nil
	}
	name := names[len(names)-1]
	data, err := store.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	var img Image
	if err := json.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("decoding image %s: %w", name, err)
	}
	if img.Version != formatVersion {
		return nil, fmt.Errorf("image %s has unsupported version %d", name, img.Version)
	}
	return &img, nil
}

// Recover rebuilds metadata from the newest image in store, if any, and the
// journal entries after it. build wires a handler around the recovered
// catalog. A nil store replays the whole journal.
func Recover(ctx context.Context, store Store, log editlog.Log, mode catalog.RunMode,
	build func(*catalog.Catalog) *alter.Handler, logger *slog.Logger) (*alter.Handler, error) {
	var img *Image
	if store != nil {
		var err error
		if img, err = LoadLatest(ctx, store); err != nil {
			return nil, fmt.Errorf("loading image: %w", err)
		}
	}
	if img == nil {
		h := build(catalog.New(mode))
		if _, err := h.ReplayJournal(ctx, log, 0); err != nil {
			return nil, err
		}
		return h, nil
	}

	cat, err := img.RestoreCatalog()
	if err != nil {
		return nil, err
	}
	if cat.RunMode() != mode {
		return nil, fmt.Errorf("image %s was written in run mode %s, configured %s", img.Name(), cat.RunMode(), mode)
	}
	h := build(cat)
	if err := img.RestoreJobs(h); err != nil {
		return nil, fmt.Errorf("restoring jobs from image %s: %w", img.Name(), err)
	}
	logger.Info("checkpoint image loaded", "image", img.Name(), "journal_seq", img.JournalSeq, "jobs", len(img.Jobs))
	if _, err := h.ReplayJournal(ctx, log, img.JournalSeq); err != nil {
		return nil, err
	}
	return h, nil
}

// Options tunes a Checkpointer.
type Options struct {
	NodeID string
	// Keep is the number of newest images retained; older ones are deleted.
	Keep int
	// TruncateJournal drops journal entries covered by a new image.
	TruncateJournal bool
	Interval        time.Duration
}

// Checkpointer periodically writes images of a handler's state.
type Checkpointer struct {
	store  Store
	h      *alter.Handler
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewCheckpointer(store Store, h *alter.Handler, opts Options, logger *slog.Logger) *Checkpointer {
	if opts.Keep <= 0 {
		opts.Keep = 3
	}
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Minute
	}
	return &Checkpointer{store: store, h: h, opts: opts, logger: logger, now: time.Now}
}

// Checkpoint writes one image. The journal sequence is read before the
// state is captured, so replaying from it may re-apply entries the image
// already reflects, which replay tolerates.
func (c *Checkpointer) Checkpoint(ctx context.Context) (*Image, error) {
	log := c.h.Journal().Log()
	seq, err := log.LastSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading journal sequence: %w", err)
	}
	cat, err := json.Marshal(c.h.Catalog())
	if err != nil {
		return nil, fmt.Errorf("serializing catalog: %w", err)
	}
	jobs := c.h.Registry().All()
	img := &Image{
		Version:    formatVersion,
		ID:         uuid.NewString(),
		NodeID:     c.opts.NodeID,
		CreatedAt:  c.now().UTC(),
		JournalSeq: seq,
		Catalog:    cat,
		Jobs:       make([]alter.JobRecord, 0, len(jobs)),
	}
	for _, job := range jobs {
		img.Jobs = append(img.Jobs, job.Record())
	}
	data, err := json.Marshal(img)
	if err != nil {
		return nil, fmt.Errorf("serializing image: %w", err)
	}
	if err := c.store.Put(ctx, img.Name(), data); err != nil {
		return nil, err
	}
	c.logger.Info("checkpoint image written", "image", img.Name(), "journal_seq", seq, "jobs", len(img.Jobs), "bytes", len(data))

	if err := c.prune(ctx); err != nil {
		c.logger.Warn("pruning old images failed", "error", err)
	}
	if c.opts.TruncateJournal {
		if err := log.Truncate(ctx, seq); err != nil {
			c.logger.Warn("truncating journal failed", "journal_seq", seq, "error", err)
		}
	}
	return img, nil
}

func (c *Checkpointer) prune(ctx context.Context) error {
	names, err := c.store.List(ctx)
	if err != nil {
		return err
	}
	if len(names) <= c.opts.Keep {
		return nil
	}
	for _, name := range names[:len(names)-c.opts.Keep] {
		if err := c.store.Delete(ctx, name); err != nil {
			return err
		}
		c.logger.Debug("old image deleted", "image", name, "journal_seq", seqOf(name))
	}
	return nil
}

// Start launches the periodic checkpoint loop.
func (c *Checkpointer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.loop(ctx)
	c.logger.Info("checkpoint loop started", "interval", c.opts.Interval, "keep", c.opts.Keep)
}

// Stop cancels the loop and waits for an in-flight checkpoint to finish.
func (c *Checkpointer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.logger.Info("checkpoint loop stopped")
}

func (c *Checkpointer) loop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Checkpoint(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("checkpoint failed", "error", err)
			}
		}
	}
}
