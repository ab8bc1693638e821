package agents

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	pkg "github.com/bt-bridge/voice-client"
	"github.com/bt-bridge/voice-client/shared"
	"github.com/goccy/go-yaml"
	"go.uber.org/zap"
)

const helpText = `mute       toggle microphone transmission
deafen     toggle playback
video      toggle camera
screen     toggle screen share
volume N   set playback volume (0-100)
who        list participants
status     show session state
help       show this help
quit       leave the channel and exit`

// CLIAgent drives a voice client from line commands.
type CLIAgent struct {
	logger  shared.LoggerAdapter
	printer *shared.Printer
	client  *pkg.Client

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	mu sync.Mutex
}

func (a *CLIAgent) Spawn(
	ctx context.Context,
	logger shared.LoggerAdapter,
	cfg *shared.Config,
	opts pkg.ClientOptions,
	printer *shared.Printer,
	in io.Reader,
) error {
	if logger == nil {
		return shared.ErrNoLogger
	}
	if cfg == nil {
		return shared.ErrNoConfig
	}
	if printer == nil {
		return errors.New("no printer provided")
	}
	if in == nil {
		return errors.New("no input provided")
	}
	a.logger = logger
	a.printer = printer
	a.done = make(chan struct{})
	a.logger.Info("spawning CLI agent")
	a.status("🤖", "Spawning CLI agent...")

	if err := a.printConfig(cfg); err != nil {
		a.logger.Error("printing config", err)
	}

	var err error
	a.client, err = pkg.NewClient(ctx, a.logger, cfg, opts)
	if err != nil {
		a.logger.Error("creating client", err)
		return err
	}
	a.client.OnPresenceChange(func(list []pkg.Participant, isEchoMode bool) {
		a.printRoster(list, isEchoMode)
	})
	go a.relayStatus()

	if err := a.client.Open(ctx, cfg.ChannelID); err != nil {
		a.logger.Error("opening voice session", err)
		_ = a.client.Shutdown()
		return err
	}
	a.status("💡", "Type 'help' for commands.")
	go a.readCommands(in)
	return nil
}

func (a *CLIAgent) Done() <-chan struct{} {
	return a.done
}

// Close leaves the channel and releases every device.
func (a *CLIAgent) Close() error {
	a.closeOnce.Do(func() {
		if a.client != nil {
			a.closeErr = a.client.Shutdown()
		}
		close(a.done)
	})
	return a.closeErr
}

func (a *CLIAgent) printConfig(cfg *shared.Config) error {
	masked := *cfg
	if masked.Token != "" {
		masked.Token = "***"
	}
	data, err := yaml.Marshal(&masked)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := a.printer.Writeln("📋 Config", 0); err != nil {
		return err
	}
	return a.printer.Writeln(strings.TrimRight(string(data), "\n"), 1)
}

func (a *CLIAgent) relayStatus() {
	for {
		select {
		case <-a.done:
			return
		case <-a.client.Done():
			return
		case s := <-a.client.Status():
			icon := "ℹ️"
			switch s.Level {
			case pkg.StatusWarning:
				icon = "⚠️"
			case pkg.StatusError:
				icon = "❌"
			}
			a.status(icon, "%s", s.Message)
			if s.Level == pkg.StatusError && !a.client.Running() {
				a.status("👋", "Session ended. Type 'quit' to exit.")
			}
		}
	}
}

func (a *CLIAgent) readCommands(in io.Reader) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if quit := a.handle(strings.Fields(scanner.Text())); quit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		a.logger.Error("reading commands", err)
	}
	if err := a.Close(); err != nil {
		a.logger.Error("closing CLI agent", err)
	}
}

// handle runs one command and reports whether the agent should exit.
func (a *CLIAgent) handle(args []string) bool {
	if len(args) == 0 {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	ctx := context.Background()
	var err error
	switch strings.ToLower(args[0]) {
	case "mute":
		muted := !a.client.Muted()
		err = a.client.SetMuted(muted)
		a.status(pick(muted, "🔇", "🎤"), "muted=%t", muted)
	case "deafen":
		deafened := !a.client.Deafened()
		err = a.client.SetDeafened(deafened)
		a.status(pick(deafened, "🔕", "🔈"), "deafened=%t", deafened)
	case "video":
		if a.client.VideoEnabled() {
			err = a.client.StopVideo()
		} else {
			err = a.client.StartVideo(ctx)
		}
		a.status("📷", "video=%t", a.client.VideoEnabled())
	case "screen":
		if a.client.ScreenSharing() {
			err = a.client.StopScreenShare()
		} else {
			err = a.client.StartScreenShare(ctx)
		}
		a.status("🖥️", "screen=%t", a.client.ScreenSharing())
	case "volume":
		if len(args) != 2 {
			err = errors.New("usage: volume N")
			break
		}
		v, perr := strconv.Atoi(args[1])
		if perr != nil {
			err = fmt.Errorf("invalid volume %q", args[1])
			break
		}
		a.client.SetVolume(v)
		a.status("🔊", "volume=%d", a.client.Volume())
	case "who":
		a.printRoster(a.client.Participants(), a.client.IsEchoMode())
	case "status":
		s := a.client.Session()
		a.status("📡", "state=%s channel=%s muted=%t deafened=%t", s.State, s.ChannelID, a.client.Muted(), a.client.Deafened())
		if !s.LastActivityAt.IsZero() {
			a.status("⏱️", "last activity %s", s.LastActivityAt.Format("15:04:05"))
		}
	case "help":
		if perr := a.printer.Writeln(helpText, 1); perr != nil {
			a.logger.Error("printing help", perr)
		}
	case "quit", "exit":
		return true
	default:
		a.status("❓", "unknown command %q, type 'help'", args[0])
	}
	if err != nil {
		a.logger.Warn("command failed", zap.String("command", args[0]), zap.Error(err))
		a.status("❌", "%s: %v", args[0], err)
	}
	return false
}

func (a *CLIAgent) printRoster(list []pkg.Participant, isEchoMode bool) {
	header := fmt.Sprintf("👥 %d in channel", len(list))
	if isEchoMode {
		header += " (echo mode)"
	}
	lines := make([]string, 0, len(list))
	for _, p := range list {
		var flags []string
		if p.IsMuted {
			flags = append(flags, "muted")
		}
		if p.IsDeafened {
			flags = append(flags, "deafened")
		}
		if p.IsVideoEnabled {
			flags = append(flags, "video")
		}
		if p.IsScreenSharing {
			flags = append(flags, "screen")
		}
		line := p.Username
		if line == "" {
			line = p.ID
		}
		if len(flags) > 0 {
			line += " [" + strings.Join(flags, ", ") + "]"
		}
		lines = append(lines, line)
	}
	if err := a.printer.Writeln(header, 0); err != nil {
		a.logger.Error("printing roster", err)
		return
	}
	if len(lines) > 0 {
		if err := a.printer.Writeln(strings.Join(lines, "\n"), 1); err != nil {
			a.logger.Error("printing roster", err)
		}
	}
}

func (a *CLIAgent) status(icon, format string, args ...any) {
	if err := a.printer.Status(icon, format, args...); err != nil {
		a.logger.Error("printing status", err)
	}
}

func pick[T any](cond bool, yes, no T) T {
	if cond {
		return yes
	}
	return no
}
