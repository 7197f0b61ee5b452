package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Ops     OpsConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// OpsConfig forwards warnings and errors to the operator chat.
type OpsConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// OpsSender delivers a plain-text line to the operator chat.
type OpsSender interface {
	SendOps(ctx context.Context, text string) error
}

const opsQueueSize = 256

// Service owns the live root logger and its sinks.
type Service struct {
	mu  sync.Mutex
	cfg Config

	root atomic.Value // zerolog.Logger

	file *os.File

	sender    OpsSender
	opsQueue  chan string
	opsOnce   sync.Once
	opsCancel context.CancelFunc
	opsWG     sync.WaitGroup

	// guarded by mu
	limiter  *rate.Limiter
	minLevel zerolog.Level
}

// NewService applies cfg immediately and returns the service plus a root
// logger bound to it. sender may be nil; the ops sink is then inert.
func NewService(cfg Config, sender OpsSender) (*Service, Logger) {
	configureGlobals()
	s := &Service{
		cfg:      cfg,
		sender:   sender,
		opsQueue: make(chan string, opsQueueSize),
	}
	s.root.Store(zerolog.New(newConsoleWriter(Stdout())).
		Level(ParseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger())
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	zl, ok := s.root.Load().(zerolog.Logger)
	if !ok {
		return zerolog.Nop()
	}
	return zl
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// SetSender attaches the ops sender once the gateway is up.
func (s *Service) SetSender(sender OpsSender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	cancel := s.opsCancel
	s.opsCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.opsWG.Wait()
	}
	if f != nil {
		_ = f.Close()
	}
	return nil
}

// Apply swaps outputs and levels. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	s.minLevel = ParseLevel(cfg.Ops.MinLevel, zerolog.WarnLevel)
	rps := cfg.Ops.RatePerSec
	if rps < 1 {
		rps = 1
	}
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	writers := make([]io.Writer, 0, 3)
	if cfg.Console {
		writers = append(writers, newConsoleWriter(Stdout()))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = "./promobot.log"
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open log file %q: %v\n", path, err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	if cfg.Ops.Enabled {
		s.opsOnce.Do(s.startOpsWorker)
		writers = append(writers, &opsWriter{svc: s})
	}
	if len(writers) == 0 {
		writers = append(writers, newConsoleWriter(Stdout()))
	}

	lvl := ParseLevel(cfg.Level, zerolog.InfoLevel)
	s.root.Store(zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(lvl).With().Timestamp().Logger())
}

func (s *Service) startOpsWorker() {
	ctx, cancel := context.WithCancel(context.Background())
	s.opsCancel = cancel
	s.opsWG.Add(1)
	go func() {
		defer s.opsWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-s.opsQueue:
				s.mu.Lock()
				sender := s.sender
				s.mu.Unlock()
				if sender != nil {
					_ = sender.SendOps(ctx, msg)
				}
			}
		}
	}()
}

type opsWriter struct{ svc *Service }

func (w *opsWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *opsWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	s.mu.Lock()
	lim, minLevel, sender := s.limiter, s.minLevel, s.sender
	s.mu.Unlock()

	if sender == nil || lim == nil || level < minLevel || !lim.Allow() {
		return len(p), nil
	}
	msg := formatOpsLine(p)
	if msg == "" {
		return len(p), nil
	}
	select {
	case s.opsQueue <- msg:
	default:
		// queue full: drop rather than stall the caller
	}
	return len(p), nil
}

// formatOpsLine turns one zerolog JSON record into a short chat message.
func formatOpsLine(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), 3500)
	}
	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		limit := 600
		if k == "stack" {
			limit = 900
		}
		b.WriteString("\n- " + k + "=")
		b.WriteString(truncate(fmt.Sprint(m[k]), limit))
	}
	return truncate(b.String(), 3500)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
