package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/devicectl/imagekit/assemble"
	"github.com/devicectl/imagekit/pkg/toolconfig"
	"github.com/devicectl/imagekit/types"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"
)

// Version is the version of the build.
const Version = "0.3.0"

// createApp returns the imgassemble command, ready to Run.
func createApp() *cli.Command {
	return &cli.Command{
		Name:      "imgassemble",
		Version:   Version,
		Usage:     "Assemble a container image spec from a registry base image and a local executable",
		ArgsUsage: "BASE-IMAGE EXECUTABLE",
		Description: `Resolves BASE-IMAGE (e.g. debian:bookworm-slim) in its registry, downloads its
layers into the local content cache, and prints the resulting image spec, with
EXECUTABLE added as /bin/<name>.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "tool configuration `FILE` (default ~/.devicectl/config.toml)",
				Sources: cli.EnvVars("DEVICECTL_CONFIG"),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug output",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log `LEVEL` (trace, debug, info, warn, error)",
				Value: "warn",
			},
			&cli.StringFlag{
				Name:  "arch",
				Usage: "`ARCHITECTURE` to select from multi-platform base images",
			},
			&cli.StringFlag{
				Name:  "workdir",
				Usage: "working `DIRECTORY` of the image",
				Value: "/",
			},
			&cli.StringSliceFlag{
				Name:  "env",
				Usage: "`NAME=VALUE` environment variable of the image (can be repeated)",
			},
			&cli.StringFlag{
				Name:  "cache-dir",
				Usage: "content cache `DIRECTORY`",
			},
			&cli.StringFlag{
				Name:    "authfile",
				Usage:   "path of the authentication `FILE`",
				Sources: cli.EnvVars("REGISTRY_AUTH_FILE"),
			},
			&cli.StringFlag{
				Name:  "creds",
				Usage: "use `USERNAME[:PASSWORD]` for accessing the registry",
			},
			&cli.BoolFlag{
				Name:  "tls-verify",
				Usage: "require HTTPS and verify certificates when talking to the registry",
				Value: true,
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "deadline of each registry request",
			},
			&cli.IntFlag{
				Name:  "parallel",
				Usage: "number of layers downloaded at the same time",
			},
			&cli.StringFlag{
				Name:  "format",
				Usage: "output `FORMAT` (json, yaml)",
				Value: string(formatJSON),
			},
			&cli.BoolFlag{
				Name:    "quiet",
				Aliases: []string{"q"},
				Usage:   "do not show download progress",
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			level, err := logrus.ParseLevel(cmd.String("log-level"))
			if err != nil {
				return ctx, err
			}
			if cmd.Bool("debug") && level < logrus.DebugLevel {
				level = logrus.DebugLevel
			}
			logrus.SetLevel(level)
			return ctx, nil
		},
		Action: assembleAction,
	}
}

func assembleAction(ctx context.Context, cmd *cli.Command) error {
	if cmd.NArg() != 2 {
		return errors.New("exactly two arguments expected: BASE-IMAGE EXECUTABLE")
	}
	format := outputFormat(cmd.String("format"))
	if format.isUnknown() {
		return fmt.Errorf("unknown output format: %q", format)
	}

	cfg, err := toolconfig.Load(cmd.String("config"))
	if err != nil {
		return err
	}
	sys, err := systemContext(cmd, cfg)
	if err != nil {
		return err
	}
	a, err := assemble.New(sys)
	if err != nil {
		return err
	}

	spec, err := a.Assemble(ctx, assemble.Options{
		BaseImage:      cmd.Args().Get(0),
		ExecutablePath: cmd.Args().Get(1),
		WorkingDir:     cmd.String("workdir"),
		Env:            cmd.StringSlice("env"),
		ReportWriter:   reportWriter(cmd),
		Created:        time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return writeSpec(cmd.Root().Writer, format, spec)
}

// systemContext applies the command-line flags on top of cfg.
func systemContext(cmd *cli.Command, cfg *toolconfig.Config) (*types.SystemContext, error) {
	sys := cfg.SystemContext()
	if cmd.IsSet("arch") {
		sys.ArchitectureChoice = cmd.String("arch")
	}
	if cmd.IsSet("cache-dir") {
		sys.CacheDir = cmd.String("cache-dir")
	}
	if cmd.IsSet("authfile") {
		sys.AuthFilePath = cmd.String("authfile")
	}
	if cmd.IsSet("creds") {
		creds, err := parseCreds(cmd.String("creds"))
		if err != nil {
			return nil, err
		}
		sys.DockerAuthConfig = creds
	}
	if cmd.IsSet("tls-verify") {
		sys.DockerInsecureSkipTLSVerify = types.NewOptionalBool(!cmd.Bool("tls-verify"))
	}
	if cmd.IsSet("timeout") {
		sys.RegistryTimeout = cmd.Duration("timeout")
	}
	if cmd.IsSet("parallel") {
		sys.MaxParallelDownloads = cmd.Int("parallel")
	}
	return sys, nil
}

// reportWriter returns where progress bars go, or nil if there should be none.
func reportWriter(cmd *cli.Command) io.Writer {
	if cmd.Bool("quiet") {
		return nil
	}
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		return nil
	}
	return os.Stderr
}
