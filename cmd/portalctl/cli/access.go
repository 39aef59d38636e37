package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/communityfund/ngo-portal/internal/identity"
	"github.com/communityfund/ngo-portal/internal/rbac"
)

// AdminOps is the subset of identity.AdminService the access commands use.
type AdminOps interface {
	BootstrapAdmin(ctx context.Context, targetID string) (identity.Record, error)
	AssignRole(ctx context.Context, in identity.AssignRoleInput) (identity.Record, error)
	GrantPermissions(ctx context.Context, in identity.GrantPermissionsInput) (identity.Record, error)
	Get(ctx context.Context, externalID string) (identity.Record, error)
}

// AccessCLI runs operator commands against stored identities.
type AccessCLI struct {
	admin AdminOps
}

// NewAccessCLI constructs the helper.
func NewAccessCLI(admin AdminOps) (*AccessCLI, error) {
	if admin == nil {
		return nil, errors.New("access cli: admin service required")
	}
	return &AccessCLI{admin: admin}, nil
}

// AccessOptions carries the flags shared by the access commands.
type AccessOptions struct {
	ActorID     string
	TargetID    string
	Role        string
	Permissions []string
	JSONOutput  bool
	Stdout      io.Writer
	Stderr      io.Writer
}

// AccessSummary is the JSON shape printed for a record.
type AccessSummary struct {
	ExternalID  string   `json:"external_id"`
	Role        string   `json:"role"`
	Granted     []string `json:"granted"`
	Effective   []string `json:"effective"`
	DisplayName string   `json:"display_name,omitempty"`
}

// Exit codes.
const (
	ExitOK        = 0
	ExitUsage     = 2
	ExitFailure   = 1
	ExitForbidden = 3
	ExitNotFound  = 4
)

// BootstrapCommand promotes the first admin.
func (c *AccessCLI) BootstrapCommand(ctx context.Context, opts AccessOptions) int {
	opts = withWriters(opts)
	if strings.TrimSpace(opts.TargetID) == "" {
		_, _ = fmt.Fprintln(opts.Stderr, "bootstrap-admin: --id is required")
		return ExitUsage
	}
	rec, err := c.admin.BootstrapAdmin(ctx, strings.TrimSpace(opts.TargetID))
	if err != nil {
		return failed(opts.Stderr, "bootstrap-admin", err)
	}
	return printRecord(opts, rec)
}

// GrantRoleCommand replaces the target's role.
func (c *AccessCLI) GrantRoleCommand(ctx context.Context, opts AccessOptions) int {
	opts = withWriters(opts)
	if opts.ActorID == "" || opts.TargetID == "" {
		_, _ = fmt.Fprintln(opts.Stderr, "grant-role: --actor and --id are required")
		return ExitUsage
	}
	role, ok := rbac.ParseRole(strings.TrimSpace(opts.Role))
	if !ok {
		_, _ = fmt.Fprintf(opts.Stderr, "grant-role: unknown role %q (expected one of %s)\n", opts.Role, roleList())
		return ExitUsage
	}
	rec, err := c.admin.AssignRole(ctx, identity.AssignRoleInput{
		ActorID:  opts.ActorID,
		TargetID: opts.TargetID,
		Role:     role,
	})
	if err != nil {
		return failed(opts.Stderr, "grant-role", err)
	}
	return printRecord(opts, rec)
}

// GrantPermissionCommand adds explicit permission overrides.
func (c *AccessCLI) GrantPermissionCommand(ctx context.Context, opts AccessOptions) int {
	opts = withWriters(opts)
	if opts.ActorID == "" || opts.TargetID == "" {
		_, _ = fmt.Fprintln(opts.Stderr, "grant-permission: --actor and --id are required")
		return ExitUsage
	}
	perms, err := ParsePermissionList(opts.Permissions)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "grant-permission: %v\n", err)
		return ExitUsage
	}
	rec, err := c.admin.GrantPermissions(ctx, identity.GrantPermissionsInput{
		ActorID:     opts.ActorID,
		TargetID:    opts.TargetID,
		Permissions: perms,
	})
	if err != nil {
		return failed(opts.Stderr, "grant-permission", err)
	}
	return printRecord(opts, rec)
}

// ShowCommand prints one record with its effective permissions.
func (c *AccessCLI) ShowCommand(ctx context.Context, opts AccessOptions) int {
	opts = withWriters(opts)
	if opts.TargetID == "" {
		_, _ = fmt.Fprintln(opts.Stderr, "show: --id is required")
		return ExitUsage
	}
	rec, err := c.admin.Get(ctx, opts.TargetID)
	if err != nil {
		return failed(opts.Stderr, "show", err)
	}
	return printRecord(opts, rec)
}

// ParsePermissionList accepts repeated and comma separated values.
func ParsePermissionList(values []string) ([]rbac.Permission, error) {
	var perms []rbac.Permission
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			perm, ok := rbac.ParsePermission(part)
			if !ok {
				return nil, fmt.Errorf("unknown permission %q", part)
			}
			perms = append(perms, perm)
		}
	}
	if len(perms) == 0 {
		return nil, errors.New("at least one --perm is required")
	}
	return perms, nil
}

func summarize(rec identity.Record) AccessSummary {
	granted := make([]string, 0, len(rec.Permissions))
	for _, p := range rec.Permissions {
		granted = append(granted, string(p))
	}
	effective := rbac.EffectivePermissions(&rec).Sorted()
	names := make([]string, len(effective))
	for i, p := range effective {
		names[i] = string(p)
	}
	return AccessSummary{
		ExternalID:  rec.ExternalID,
		Role:        string(rec.Role),
		Granted:     granted,
		Effective:   names,
		DisplayName: rec.DisplayName,
	}
}

func printRecord(opts AccessOptions, rec identity.Record) int {
	summary := summarize(rec)
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "encode json: %v\n", err)
			return ExitFailure
		}
		return ExitOK
	}
	_, _ = fmt.Fprintf(opts.Stdout, "%s role=%s\n", summary.ExternalID, summary.Role)
	if len(summary.Granted) > 0 {
		_, _ = fmt.Fprintf(opts.Stdout, "granted: %s\n", strings.Join(summary.Granted, ", "))
	}
	_, _ = fmt.Fprintf(opts.Stdout, "effective: %s\n", strings.Join(summary.Effective, ", "))
	return ExitOK
}

func failed(stderr io.Writer, command string, err error) int {
	_, _ = fmt.Fprintf(stderr, "%s: %v\n", command, err)
	switch {
	case errors.Is(err, identity.ErrForbidden), errors.Is(err, identity.ErrBootstrapClosed), errors.Is(err, identity.ErrLastAdmin):
		return ExitForbidden
	case errors.Is(err, identity.ErrNotFound):
		return ExitNotFound
	case errors.Is(err, identity.ErrInvalidRole), errors.Is(err, identity.ErrInvalidPermission), errors.Is(err, identity.ErrMissingExternalID):
		return ExitUsage
	default:
		return ExitFailure
	}
}

func withWriters(opts AccessOptions) AccessOptions {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	return opts
}

func roleList() string {
	roles := rbac.Roles()
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	return strings.Join(names, ", ")
}
