package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/pocketmux/pocketmux"
	"github.com/pocketmux/pocketmux/internal/appconfig"
	"github.com/pocketmux/pocketmux/internal/eventbus"
	"github.com/pocketmux/pocketmux/schema"
	"pkt.systems/pslog"
)

const (
	keyDetach  = 0x1d // Ctrl-]
	keyNextTab = 0x14 // Ctrl-T
)

func newConnectCmd() *cobra.Command {
	var cfgPath string
	var keyPath string
	var user string
	var totpSecret string
	var port int
	cmd := &cobra.Command{
		Use:   "connect [user@]host | profile",
		Short: "Connect to a remote host and attach its persistent sessions",
		Long: `Connect opens an SSH connection, attaches the host's persistent tmux
sessions as tabs, and streams the active tab to the terminal.

Keys: Ctrl-] detaches (sessions keep running), Ctrl-T cycles tabs.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			params, err := resolveTarget(cfg, args[0], user, port, keyPath, totpSecret)
			if err != nil {
				return err
			}
			return runConnect(cmd.Context(), cfg, params)
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "config path (default ~/.pocketmux/config.yaml)")
	cmd.Flags().StringVarP(&keyPath, "key", "i", "", "private key file")
	cmd.Flags().StringVarP(&user, "user", "u", "", "remote user")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "remote port")
	cmd.Flags().StringVar(&totpSecret, "totp-secret", "", "TOTP secret for verification-code prompts")
	return cmd
}

// resolveTarget turns a profile name or user@host into connect params,
// flags taking precedence over profile values.
func resolveTarget(cfg appconfig.Config, target, user string, port int, keyPath, totpSecret string) (schema.ConnectParams, error) {
	params := schema.ConnectParams{TOTPSecret: totpSecret}

	if profile, ok := cfg.Profile(target); ok {
		params.Host = profile.Host
		params.Port = profile.Port
		params.User = profile.User
		if keyPath == "" {
			keyPath = profile.KeyPath
		}
	} else {
		host := target
		if u, h, ok := strings.Cut(target, "@"); ok {
			params.User = u
			host = h
		}
		params.Host = host
	}
	if user != "" {
		params.User = user
	}
	if port != 0 {
		params.Port = port
	}
	if params.Port == 0 {
		params.Port = cfg.SSH.DefaultPort
	}
	if params.User == "" {
		return schema.ConnectParams{}, errors.New("no remote user; use user@host or --user")
	}

	if keyPath != "" {
		key, err := os.ReadFile(keyPath)
		if err != nil {
			return schema.ConnectParams{}, fmt.Errorf("read private key: %w", err)
		}
		params.PrivateKey = key
	}
	return params, nil
}

func runConnect(ctx context.Context, cfg appconfig.Config, params schema.ConnectParams) error {
	logger := pslog.Ctx(ctx)
	engineCfg, err := cfg.EngineSettings()
	if err != nil {
		return err
	}

	stdinFd := int(os.Stdin.Fd())
	interactive := term.IsTerminal(stdinFd)
	if interactive {
		if cols, rows, err := term.GetSize(stdinFd); err == nil {
			engineCfg.Columns, engineCfg.Rows = cols, rows
		}
	}

	if len(params.PrivateKey) == 0 && params.Password == "" && interactive {
		password, err := promptSecret(fmt.Sprintf("%s@%s password: ", params.User, params.Host))
		if err != nil {
			return err
		}
		params.Password = password
	}

	engine, err := pocketmux.New(engineCfg, logger)
	if err != nil {
		return err
	}
	defer engine.Close()

	if err := engine.Connect(ctx, params); err != nil {
		// An encrypted key surfaces here; one passphrase retry.
		var ce *schema.ConnectError
		if errors.As(err, &ce) && ce.Kind == schema.ConnectKey && params.Passphrase == "" && interactive {
			passphrase, perr := promptSecret("Key passphrase: ")
			if perr != nil {
				return perr
			}
			params.Passphrase = passphrase
			err = engine.Connect(ctx, params)
		}
		if err != nil {
			if errors.As(err, &ce) {
				return errors.New(ce.Status())
			}
			return err
		}
	}
	// Ctrl-] detaches and keeps the remote sessions; any other exit
	// path kills them so they do not pile up on the host.
	detached := false
	defer func() {
		if detached {
			engine.Detach()
		} else {
			engine.Disconnect()
		}
	}()

	if !interactive {
		return errors.New("connect requires a terminal")
	}
	oldState, err := term.MakeRaw(stdinFd)
	if err != nil {
		return err
	}
	defer func() { _ = term.Restore(stdinFd, oldState) }()

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, unix.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			if cols, rows, err := term.GetSize(stdinFd); err == nil {
				engine.Resize(cols, rows)
			}
		}
	}()

	events, cancel := engine.Events()
	defer cancel()
	go renderEvents(engine, events)

	detached = inputLoop(ctx, engine)
	return nil
}

// renderEvents writes the active tab's output to the terminal and
// surfaces status lines without corrupting the raw-mode display.
func renderEvents(engine *pocketmux.Engine, events <-chan eventbus.Event) {
	for ev := range events {
		switch ev.Type {
		case eventbus.EventOutput:
			if ev.Output.Session == activeSession(engine) {
				_, _ = os.Stdout.Write(ev.Output.Bytes)
			}
		case eventbus.EventSessionReady:
			if ev.Session.Reset {
				notify(fmt.Sprintf("session %s reset", ev.Session.Name))
			}
		case eventbus.EventError:
			notify(ev.Error.Message)
		case eventbus.EventStatus:
			notify(ev.Status.Message)
		}
	}
}

func activeSession(engine *pocketmux.Engine) int {
	for _, tab := range engine.Tabs() {
		if tab.Active {
			return tab.Session
		}
	}
	return 0
}

func notify(message string) {
	_, _ = fmt.Fprintf(os.Stderr, "\r\n[pocketmux] %s\r\n", message)
}

// inputLoop pumps stdin into the active tab. It reports whether the
// user asked to detach rather than tear the sessions down.
func inputLoop(ctx context.Context, engine *pocketmux.Engine) bool {
	buf := make([]byte, 1024)
	for {
		if ctx.Err() != nil {
			return false
		}
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			if n == 1 {
				switch buf[0] {
				case keyDetach:
					notify("detached, sessions keep running")
					return true
				case keyNextTab:
					cycleTab(engine)
					continue
				}
			}
			if serr := engine.SendInput(buf[:n]); serr != nil {
				notify(serr.Error())
			}
		}
		if err != nil {
			return false
		}
	}
}

func cycleTab(engine *pocketmux.Engine) {
	tabs := engine.Tabs()
	if len(tabs) < 2 {
		return
	}
	for i, tab := range tabs {
		if tab.Active {
			next := (i + 1) % len(tabs)
			engine.SwitchTab(next)
			notify(fmt.Sprintf("switched to %s", tabs[next].Name))
			return
		}
	}
}

func promptSecret(prompt string) (string, error) {
	_, _ = fmt.Fprint(os.Stderr, prompt)
	secret, err := term.ReadPassword(int(os.Stdin.Fd()))
	_, _ = fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(secret), nil
}
