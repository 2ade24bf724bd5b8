package attachments

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"

	"mandachat/internal/clock"
	"mandachat/internal/events"
)

type Status string

const (
	StatusPending Status = "pendiente"
	StatusSending Status = "enviando"
	StatusReady   Status = "listo"
	StatusError   Status = "error"
)

const DefaultMaxFileBytes = 20 << 20

var ErrTooLarge = errors.New("attachment exceeds size limit")

var textExtensions = map[string]bool{
	".txt":  true,
	".md":   true,
	".json": true,
	".csv":  true,
	".log":  true,
}

// Attachment is a pending file. Content is set only for text-like files.
type Attachment struct {
	ID      string
	Name    string
	Type    string
	Size    int64
	Content string
	IsText  bool
	Status  Status
}

func (a Attachment) HumanSize() string {
	if a.Size < 0 {
		return ""
	}
	return humanize.IBytes(uint64(a.Size))
}

type Config struct {
	Clock        clock.Clock
	Bus          *events.Bus
	MaxFileBytes int64
}

// Outbox holds attachments waiting for the next send. It is never persisted.
type Outbox struct {
	clock    clock.Clock
	bus      *events.Bus
	maxBytes int64

	mu    sync.Mutex
	items []Attachment
}

func NewOutbox(cfg Config) *Outbox {
	c := cfg.Clock
	if c == nil {
		c = clock.Real{}
	}
	maxBytes := cfg.MaxFileBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFileBytes
	}
	return &Outbox{clock: c, bus: cfg.Bus, maxBytes: maxBytes}
}

func (o *Outbox) MaxFileBytes() int64 { return o.maxBytes }

func (o *Outbox) AddFile(path string) (Attachment, error) {
	f, err := os.Open(path)
	if err != nil {
		return Attachment{}, fmt.Errorf("open attachment: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, o.maxBytes+1))
	if err != nil {
		return Attachment{}, fmt.Errorf("read attachment: %w", err)
	}
	if int64(len(data)) > o.maxBytes {
		return Attachment{}, fmt.Errorf("%w: %s is larger than %s", ErrTooLarge, filepath.Base(path), humanize.IBytes(uint64(o.maxBytes)))
	}
	return o.Add(filepath.Base(path), data), nil
}

// Add queues data under name, sniffing its type and decoding text-like
// content.
func (o *Outbox) Add(name string, data []byte) Attachment {
	mt := mimetype.Detect(data)
	typ, _, _ := strings.Cut(mt.String(), ";")
	a := Attachment{
		ID:     o.newID(),
		Name:   name,
		Type:   strings.TrimSpace(typ),
		Size:   int64(len(data)),
		Status: StatusPending,
	}
	if looksText(name, mt) && utf8.Valid(data) {
		a.Content = string(data)
		a.IsText = true
	}

	o.mu.Lock()
	o.items = append(o.items, a)
	n := len(o.items)
	o.mu.Unlock()

	o.emit(n)
	return a
}

func looksText(name string, mt *mimetype.MIME) bool {
	if textExtensions[strings.ToLower(filepath.Ext(name))] {
		return true
	}
	for m := mt; m != nil; m = m.Parent() {
		if strings.HasPrefix(m.String(), "text/") || m.Is("application/json") {
			return true
		}
	}
	return false
}

func (o *Outbox) newID() string {
	return fmt.Sprintf("att-%d-%05x", o.clock.Now().UnixMilli(), rand.Intn(1<<20))
}

func (o *Outbox) Remove(id string) bool {
	o.mu.Lock()
	idx := -1
	for i, a := range o.items {
		if a.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		o.mu.Unlock()
		return false
	}
	o.items = append(o.items[:idx:idx], o.items[idx+1:]...)
	n := len(o.items)
	o.mu.Unlock()

	o.emit(n)
	return true
}

func (o *Outbox) Pending() []Attachment {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Attachment(nil), o.items...)
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

func (o *Outbox) SetStatus(status Status) {
	o.mu.Lock()
	for i := range o.items {
		o.items[i].Status = status
	}
	n := len(o.items)
	o.mu.Unlock()

	o.emit(n)
}

func (o *Outbox) Clear() {
	o.mu.Lock()
	o.items = nil
	o.mu.Unlock()

	o.emit(0)
}

func (o *Outbox) emit(count int) {
	o.bus.Emit(events.AttachmentsUpdated, map[string]any{"count": count})
}
