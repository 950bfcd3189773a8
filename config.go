package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Idle rooms are checked at half the room timeout.
const minRoomTimeout = 2 * time.Second

type Config struct {
	bind           string
	maxChatLength  int
	maxMessageSize int64
	port           int
	prefix         string
	profile        bool
	roomCodeLength int
	roomTimeout    time.Duration
	sendBuffer     int
	tlsCert        string
	tlsKey         string
	verbose        bool
	version        bool
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.roomCodeLength < 4 || c.roomCodeLength > 16 {
		return fmt.Errorf("invalid room code length (must be between 4-16 inclusive): %d", c.roomCodeLength)
	}
	if c.maxChatLength < 1 {
		return fmt.Errorf("invalid max chat length (must be at least 1): %d", c.maxChatLength)
	}
	if c.maxMessageSize < 512 {
		return fmt.Errorf("invalid max message size (must be at least 512 bytes): %d", c.maxMessageSize)
	}
	if c.sendBuffer < 1 {
		return fmt.Errorf("invalid send buffer (must be at least 1): %d", c.sendBuffer)
	}
	if c.roomTimeout < 0 || (c.roomTimeout > 0 && c.roomTimeout < minRoomTimeout) {
		return fmt.Errorf("invalid room timeout (must be 0 or at least %s): %s", minRoomTimeout, c.roomTimeout)
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("ROOMRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "roomrelay",
		Short:         "Room and session relay for small-group, turn-based social games.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return ServeRelay(cmd.Context(), cfg)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: ROOMRELAY_BIND)")
	fs.IntVar(&cfg.maxChatLength, "max-chat-length", 200, "maximum characters in a chat message (env: ROOMRELAY_MAX_CHAT_LENGTH)")
	fs.Int64Var(&cfg.maxMessageSize, "max-message-size", 8192, "maximum size of an inbound message, in bytes (env: ROOMRELAY_MAX_MESSAGE_SIZE)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: ROOMRELAY_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: ROOMRELAY_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: ROOMRELAY_PROFILE)")
	fs.IntVar(&cfg.roomCodeLength, "room-code-length", 6, "number of characters in generated room codes (env: ROOMRELAY_ROOM_CODE_LENGTH)")
	fs.DurationVar(&cfg.roomTimeout, "room-timeout", 60*time.Minute, "time before idle rooms are closed, 0 to disable (env: ROOMRELAY_ROOM_TIMEOUT)")
	fs.IntVar(&cfg.sendBuffer, "send-buffer", 64, "outbound messages queued per connection before dropping (env: ROOMRELAY_SEND_BUFFER)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: ROOMRELAY_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: ROOMRELAY_TLS_KEY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: ROOMRELAY_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: ROOMRELAY_VERSION)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("roomrelay v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
