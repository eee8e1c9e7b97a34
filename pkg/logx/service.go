package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "remindbot/internal/transport"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Chat    ChatSinkConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// ChatSinkConfig forwards warnings and errors to the admin contact.
type ChatSinkConfig struct {
	Enabled    bool
	Contact    string
	MinLevel   string
	RatePerSec int
	// RepeatWindow folds identical alerts into one summary. It is read once
	// by New; zero means one minute.
	RepeatWindow time.Duration
}

// Service owns the sinks and swaps them on Apply. Loggers taken from it
// see the change on their next line.
type Service struct {
	mu   sync.Mutex
	root atomic.Value // zerolog.Logger
	file *os.File

	sender   kit.Sender
	alerts   chan chatAlert
	repeats  *expirable.LRU[string, *repeat]
	dropped  atomic.Int64
	chatOnce sync.Once
	stopChat context.CancelFunc
	chatWG   sync.WaitGroup

	// guarded by mu
	contact  string
	limiter  *rate.Limiter
	minLevel zerolog.Level
}

// New applies cfg and returns the service with a live root Logger. sender
// may be nil when no chat sink is wanted.
func New(cfg Config, sender kit.Sender) (*Service, Logger) {
	setGlobals()
	window := cfg.Chat.RepeatWindow
	if window <= 0 {
		window = time.Minute
	}
	s := &Service{
		sender: sender,
		alerts: make(chan chatAlert, chatQueueSize),
	}
	s.repeats = expirable.NewLRU[string, *repeat](256, s.flushRepeat, window)
	s.root.Store(consoleRoot(parseLevel(cfg.Level, zerolog.InfoLevel)))
	s.Apply(cfg)
	return s, Logger{svc: s}
}

var globalsOnce sync.Once

func setGlobals() {
	globalsOnce.Do(func() {
		zerolog.ErrorFieldName = "err"
		zerolog.TimeFieldFormat = consoleTimeFormat
	})
}

func (s *Service) current() zerolog.Logger {
	if zl, ok := s.root.Load().(zerolog.Logger); ok {
		return zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	stop := s.stopChat
	s.stopChat = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
		s.chatWG.Wait()
	}
	if f != nil {
		return f.Close()
	}
	return nil
}

// Apply rebuilds the sinks from cfg. It is safe to call concurrently.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.minLevel = parseLevel(cfg.Chat.MinLevel, zerolog.WarnLevel)
	rps := cfg.Chat.RatePerSec
	if rps < 1 {
		rps = 1
	}
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	s.contact = strings.TrimSpace(cfg.Chat.Contact)

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, consoleWriter(os.Stdout))
	}
	if cfg.File.Enabled {
		if f, err := openLogFile(cfg.File.Path); err != nil {
			fmt.Fprintln(os.Stderr, "logx:", err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	if cfg.Chat.Enabled {
		s.startChat()
		writers = append(writers, &chatWriter{svc: s})
		if s.contact == "" {
			fmt.Fprintln(os.Stderr, "logx: logging.channel is enabled but channel.admin_contact is empty")
		}
	}
	if len(writers) == 0 {
		writers = append(writers, consoleWriter(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(zl)
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = "./remindbot.log"
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return f, nil
}

func consoleRoot(lvl zerolog.Level) zerolog.Logger {
	return zerolog.New(consoleWriter(os.Stdout)).Level(lvl).With().Timestamp().Logger()
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTimeFormat}
}
