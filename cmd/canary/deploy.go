package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/splax/canary/internal/artifact"
	"github.com/splax/canary/internal/pipeline"
	"github.com/splax/canary/internal/remote"
	"github.com/splax/canary/internal/render"
	"github.com/splax/canary/internal/settings"
	"github.com/splax/canary/pkg/config"
)

type deployFlags struct {
	project    string
	platform   string
	target     string
	host       string
	user       string
	remotePath string
	password   string
	askPass    bool
}

var (
	deployOpts deployFlags

	deployCmd = &cobra.Command{
		Use:   "deploy [project]",
		Short: "Run checks, build in a container, rotate and optionally ship the binary",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runDeploy,
	}

	checkCmd = &cobra.Command{
		Use:   "check [project]",
		Short: "Run the pre-release checks and the container build",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runCheck,
	}

	rotateCmd = &cobra.Command{
		Use:   "rotate [project]",
		Short: "Archive the current release binary and promote the staged build",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRotate,
	}
)

func init() {
	f := deployCmd.Flags()
	f.StringVar(&deployOpts.platform, "platform", "", "Target platform: linux or windows (default: host)")
	f.StringVar(&deployOpts.target, "target", "", "Deploy target: local or remote (default: last used)")
	f.StringVar(&deployOpts.host, "host", "", "Remote server address")
	f.StringVar(&deployOpts.user, "user", "", "Remote user name")
	f.StringVar(&deployOpts.remotePath, "remote-path", "", "Remote destination directory")
	f.StringVar(&deployOpts.password, "password", "", "Remote password (prefer --ask-password)")
	f.BoolVar(&deployOpts.askPass, "ask-password", false, "Prompt for the remote password")

	for _, cmd := range []*cobra.Command{checkCmd, rotateCmd} {
		cmd.Flags().String("platform", "", "Target platform: linux or windows (default: host)")
	}
}

// resolveDeploy fills unset flags from remembered settings.
func resolveDeploy(opts deployFlags, args []string, last settings.Settings) (pipeline.Request, error) {
	if len(args) == 1 {
		opts.project = args[0]
	}
	target, err := pipeline.ParseTarget(firstSet(opts.target, last.LastTarget))
	if err != nil {
		return pipeline.Request{}, err
	}
	platform, err := parsePlatform(opts.platform)
	if err != nil {
		return pipeline.Request{}, err
	}
	return pipeline.Request{
		RunID:       uuid.NewString(),
		ProjectPath: firstSet(opts.project, last.LastLocalPath),
		Platform:    platform,
		Target:      target,
		Remote: remote.Config{
			ServerAddress: firstSet(opts.host, last.LastServerAddress),
			Username:      firstSet(opts.user, last.LastRemoteUser),
			Password:      firstSet(opts.password, last.LastRemotePass),
			RemotePath:    firstSet(opts.remotePath, last.LastRemotePath),
		},
	}, nil
}

func parsePlatform(name string) (artifact.Platform, error) {
	if strings.TrimSpace(name) == "" {
		return artifact.HostPlatform(), nil
	}
	return artifact.ParsePlatform(name)
}

func firstSet(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func readPassword(out io.Writer) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("--ask-password requires an interactive terminal")
	}
	fmt.Fprint(out, "Password: ")
	bytes, err := term.ReadPassword(fd)
	fmt.Fprint(out, "\n")
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(bytes), nil
}

func runDeploy(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := stderrLogger(cfg)
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	last, err := store.Load()
	if err != nil && !errors.Is(err, settings.ErrNoKey) {
		log.Warn("could not load remembered settings", "error", err)
	}
	opts := deployOpts
	if opts.askPass {
		if opts.password, err = readPassword(cmd.ErrOrStderr()); err != nil {
			return err
		}
	}
	req, err := resolveDeploy(opts, args, last)
	if err != nil {
		return err
	}
	if cfg, err = config.WithProjectFile(cfg, req.ProjectPath); err != nil {
		return err
	}
	a, err := newApp(cfg, log, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	fwd, err := attachTelemetry(cfg, a.orch, log)
	if err != nil {
		log.Warn("telemetry disabled", "error", err)
	}
	if fwd != nil {
		fwd.setProject(req.ProjectPath)
		defer fwd.Close()
	}

	printer := render.NewPrinter(cmd.OutOrStdout())
	a.orch.Sink.Observe(printer.Entry)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cancel := pipeline.NewCancelFlag()
	done := make(chan pipeline.Result, 1)
	a.orch.RunAsync(context.WithoutCancel(ctx), req, cancel, func(res pipeline.Result) { done <- res })

	var res pipeline.Result
	select {
	case res = <-done:
	case <-ctx.Done():
		log.Info("interrupt received, cancelling after the current step")
		cancel.Cancel()
		res = <-done
	}
	printer.Summary(res)
	if !res.OK() {
		return fmt.Errorf("deploy %s", res.Phase)
	}
	return nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	return runStep(cmd, args, func(ctx context.Context, a *app, project string, platform artifact.Platform) bool {
		return a.orch.RunPreReleaseChecks(ctx, project, platform)
	})
}

func runRotate(cmd *cobra.Command, args []string) error {
	return runStep(cmd, args, func(_ context.Context, a *app, project string, platform artifact.Platform) bool {
		pkg, ok := a.orch.RotatePreviousBinaryIfExists(project, platform)
		if ok {
			fmt.Fprintf(cmd.OutOrStdout(), "promoted %s\n", pkg)
		}
		return ok
	})
}

// runStep runs one pipeline step against the project named by args or the remembered path.
func runStep(cmd *cobra.Command, args []string, step func(context.Context, *app, string, artifact.Platform) bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := stderrLogger(cfg)
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	last, _ := store.Load()
	project := last.LastLocalPath
	if len(args) == 1 {
		project = args[0]
	}
	if strings.TrimSpace(project) == "" {
		return errors.New("no project path given and none remembered")
	}
	name, _ := cmd.Flags().GetString("platform")
	platform, err := parsePlatform(name)
	if err != nil {
		return err
	}
	if cfg, err = config.WithProjectFile(cfg, project); err != nil {
		return err
	}
	a, err := newApp(cfg, log, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	a.orch.Sink.Observe(render.NewPrinter(cmd.OutOrStdout()).Entry)
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if !step(ctx, a, project, platform) {
		return fmt.Errorf("%s failed", cmd.Name())
	}
	return nil
}
