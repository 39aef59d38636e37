package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/communityfund/ngo-portal/cmd/portalctl/cli"
	"github.com/communityfund/ngo-portal/internal/app"
	"github.com/communityfund/ngo-portal/internal/identity"
	"github.com/communityfund/ngo-portal/internal/shared"
	"github.com/communityfund/ngo-portal/migrations"
)

const usage = `usage: portalctl <command> [flags]

commands:
  bootstrap-admin   --id ID                        promote the first admin
  grant-role        --actor ID --id ID --role ROLE  replace a role
  grant-permission  --actor ID --id ID --perm P     add permission overrides
  show              --id ID                        print effective access
  jobs-trigger      --task TYPE                    enqueue a maintenance job
  jobs-queues                                      print queue depth
  migrate-up                                       apply pending schema migrations
  migrate-down      --steps N                      revert N migrations
`

type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func main() {
	if app.InTestMode() {
		return
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprint(stderr, usage)
		return cli.ExitUsage
	}
	command, rest := args[0], args[1:]

	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	fs.SetOutput(stderr)
	opts := cli.AccessOptions{Stdout: stdout, Stderr: stderr}
	var perms listFlag
	var task string
	var steps int
	fs.StringVar(&opts.TargetID, "id", "", "external id of the target identity")
	fs.StringVar(&opts.ActorID, "actor", "", "external id of the admin performing the change")
	fs.StringVar(&opts.Role, "role", "", "role to assign")
	fs.Var(&perms, "perm", "permission to grant (repeatable, comma separated)")
	fs.BoolVar(&opts.JSONOutput, "json", false, "print JSON")
	fs.StringVar(&task, "task", "", "job task type")
	fs.IntVar(&steps, "steps", 1, "migrations to revert")
	if err := fs.Parse(rest); err != nil {
		return cli.ExitUsage
	}
	opts.Permissions = perms

	cfg, err := app.LoadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "load config: %v\n", err)
		return cli.ExitFailure
	}
	logger := app.NewLogger(cfg)

	switch command {
	case "jobs-trigger", "jobs-queues":
		return runJobs(ctx, cfg, command, task, stdout, stderr)
	case "migrate-up", "migrate-down":
		return runMigrate(cfg, command, steps, stdout, stderr)
	case "bootstrap-admin", "grant-role", "grant-permission", "show":
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n%s", command, usage)
		return cli.ExitUsage
	}

	backends, err := app.OpenBackends(ctx, cfg, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "open backends: %v\n", err)
		return cli.ExitFailure
	}
	defer backends.Close()

	admin := identity.NewAdminService(
		backends.Identities,
		identity.NewSnapshotCache(backends.Redis, cfg.IdentityCacheTTL),
		shared.NewAuditLogger(backends.Pool),
		logger,
	)
	access, err := cli.NewAccessCLI(admin)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return cli.ExitFailure
	}

	switch command {
	case "bootstrap-admin":
		return access.BootstrapCommand(ctx, opts)
	case "grant-role":
		return access.GrantRoleCommand(ctx, opts)
	case "grant-permission":
		return access.GrantPermissionCommand(ctx, opts)
	default:
		return access.ShowCommand(ctx, opts)
	}
}

func runJobs(ctx context.Context, cfg *app.Config, command, task string, stdout, stderr io.Writer) int {
	jobsCLI := cli.NewJobsCLI(cfg.AsynqRedisOpt())
	defer func() {
		if err := jobsCLI.Close(); err != nil {
			slog.Default().Warn("jobs cli close", slog.Any("error", err))
		}
	}()

	if command == "jobs-trigger" {
		if task == "" {
			_, _ = fmt.Fprintln(stderr, "jobs-trigger: --task is required")
			return cli.ExitUsage
		}
		info, err := jobsCLI.Trigger(ctx, task)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "jobs-trigger: %v\n", err)
			return cli.ExitFailure
		}
		_, _ = fmt.Fprintf(stdout, "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
		return cli.ExitOK
	}

	stats, err := jobsCLI.InspectQueues(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "jobs-queues: %v\n", err)
		return cli.ExitFailure
	}
	for _, q := range stats {
		_, _ = fmt.Fprintf(stdout, "%-8s pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
			q.Queue, q.Pending, q.Active, q.Scheduled, q.Retry, q.Archived)
	}
	return cli.ExitOK
}

func runMigrate(cfg *app.Config, command string, steps int, stdout, stderr io.Writer) int {
	var (
		version uint
		err     error
	)
	if command == "migrate-up" {
		version, err = migrations.Up(cfg.PGDSN)
	} else {
		version, err = migrations.Down(cfg.PGDSN, steps)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%s: %v\n", command, err)
		return cli.ExitFailure
	}
	_, _ = fmt.Fprintf(stdout, "schema at version %d\n", version)
	return cli.ExitOK
}
