package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fentz26/labflow/internal/config"
	"github.com/fentz26/labflow/internal/identity"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage the local user directory",
	Long:  `Edits the YAML users file the daemon consults for permissions. Restart the daemon to pick up changes.`,
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users",
	RunE:  runUserList,
}

var userAddCmd = &cobra.Command{
	Use:   "add [username]",
	Short: "Add or replace a user",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserAdd,
}

var userPermsCmd = &cobra.Command{
	Use:   "perms [username]",
	Short: "Show a user's effective permissions",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserPerms,
}

var (
	usersFile     string
	userFullName  string
	userRole      string
	userInactive  bool
	userPerms     []string
	userWorkflows []string
)

func init() {
	userCmd.AddCommand(userListCmd, userAddCmd, userPermsCmd)
	userCmd.PersistentFlags().StringVar(&usersFile, "users-file", "", "Users file (default: users_file from config, or ~/.labflow/users.yml)")

	userAddCmd.Flags().StringVar(&userFullName, "name", "", "Full name")
	userAddCmd.Flags().StringVar(&userRole, "role", "operator", "Role; admin holds every permission")
	userAddCmd.Flags().BoolVar(&userInactive, "inactive", false, "Create the user deactivated")
	userAddCmd.Flags().StringSliceVar(&userPerms, "perm", nil, "Permission as section=level (level: none, view, edit); repeatable")
	userAddCmd.Flags().StringSliceVar(&userWorkflows, "workflow-role", nil, "Workflow role; repeatable")
}

func resolveUsersFile() string {
	if usersFile != "" {
		return usersFile
	}
	if cfg, err := config.Load(config.DefaultPath()); err == nil && cfg.UsersFile != "" {
		return cfg.UsersFile
	}
	return filepath.Join(config.DefaultDir(), "users.yml")
}

func runUserList(cmd *cobra.Command, args []string) error {
	path := resolveUsersFile()
	dir, err := identity.LoadDirectory(path)
	if err != nil {
		return err
	}

	names := dir.Usernames()
	sort.Strings(names)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "USERNAME\tNAME\tROLE\tACTIVE\tTASKS")
	for _, name := range names {
		u, _ := dir.Get(name)
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\n", u.Username, orDash(u.FullName), u.Role, u.Active,
			dir.Permissions(name)[identity.TaskSection])
	}
	w.Flush()
	faint.Printf("\n%s\n", path)
	return nil
}

func validSection(s string) bool {
	for _, sec := range identity.Sections {
		if sec == s {
			return true
		}
	}
	return false
}

func runUserAdd(cmd *cobra.Command, args []string) error {
	path := resolveUsersFile()
	dir, err := identity.LoadDirectory(path)
	if err != nil {
		return err
	}

	u := identity.User{
		Username:      strings.TrimSpace(args[0]),
		FullName:      userFullName,
		Role:          userRole,
		Active:        !userInactive,
		Permissions:   make(map[string]identity.Level),
		WorkflowRoles: userWorkflows,
	}
	if u.Username == "" {
		return fmt.Errorf("username must not be empty")
	}
	for _, p := range userPerms {
		section, level, ok := strings.Cut(p, "=")
		if !ok || !validSection(section) {
			return fmt.Errorf("invalid permission %q, want section=level with section one of: %s",
				p, strings.Join(identity.Sections, ", "))
		}
		switch lvl := identity.Level(level); lvl {
		case identity.LevelNone, identity.LevelView, identity.LevelEdit:
			u.Permissions[section] = lvl
		default:
			return fmt.Errorf("invalid level %q, must be: none, view, or edit", level)
		}
	}

	if _, exists := dir.Get(u.Username); exists {
		warn("Replacing existing user %s", u.Username)
	}
	dir.Put(u)
	if err := dir.Save(path); err != nil {
		return err
	}
	success("Saved user %s to %s", u.Username, path)
	return nil
}

func runUserPerms(cmd *cobra.Command, args []string) error {
	dir, err := identity.LoadDirectory(resolveUsersFile())
	if err != nil {
		return err
	}
	if !dir.Exists(args[0]) {
		return fmt.Errorf("unknown user %q", args[0])
	}

	perms := dir.Permissions(args[0])
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SECTION\tLEVEL")
	for _, s := range identity.Sections {
		fmt.Fprintf(w, "%s\t%s\n", s, perms[s])
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "WORKFLOW ROLE\tHELD")
	for _, r := range identity.WorkflowRoles {
		fmt.Fprintf(w, "%s\t%v\n", r, dir.HasWorkflowRole(args[0], r))
	}
	return w.Flush()
}
