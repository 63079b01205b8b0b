package cli

import (
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"botfleet/internal/storage"
	"botfleet/internal/transport/telegram"
	logx "botfleet/pkg/logx"
)

func newTenantCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Provision and manage tenant bots",
	}
	cmd.AddCommand(
		newTenantAddCmd(cfgPath),
		newTenantListCmd(cfgPath),
		newTenantActiveCmd(cfgPath, "stop", false),
		newTenantActiveCmd(cfgPath, "start", true),
		newTenantExtendCmd(cfgPath),
	)
	return cmd
}

func newTenantAddCmd(cfgPath *string) *cobra.Command {
	var (
		token string
		owner int64
		days  int
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a bot token for an owner",
		Args:  cobra.NoArgs,
		RunE: withStore(cfgPath, func(cmd *cobra.Command, db *storage.DB, _ []string) error {
			if err := telegram.ValidateToken(token); err != nil {
				return err
			}
			if owner <= 0 {
				return errors.New("--owner must be a Telegram user id")
			}
			t := storage.Tenant{Token: token, OwnerID: owner, Active: true}
			if days > 0 {
				t.SubscriptionEnd = time.Now().Add(time.Duration(days) * 24 * time.Hour)
			}
			t, err := db.CreateTenant(cmd.Context(), t)
			if errors.Is(err, storage.ErrDuplicate) {
				return fmt.Errorf("token %s is already registered", logx.RedactToken(token))
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ tenant %d added (owner %d, expires %s)\n", t.ID, t.OwnerID, formatEnd(t.SubscriptionEnd))
			return nil
		}),
	}
	cmd.Flags().StringVar(&token, "token", "", "bot token from @BotFather")
	cmd.Flags().Int64Var(&owner, "owner", 0, "owner Telegram user id")
	cmd.Flags().IntVar(&days, "days", 30, "subscription length in days (0: no expiry)")
	_ = cmd.MarkFlagRequired("token")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newTenantListCmd(cfgPath *string) *cobra.Command {
	var expired bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tenants",
		Args:  cobra.NoArgs,
		RunE: withStore(cfgPath, func(cmd *cobra.Command, db *storage.DB, _ []string) error {
			var (
				list []storage.Tenant
				err  error
			)
			if expired {
				list, err = db.ExpiredTenants(cmd.Context(), time.Now())
			} else {
				list, err = db.ListTenants(cmd.Context(), false)
			}
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no tenants")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tUSERNAME\tOWNER\tTOKEN\tACTIVE\tEXPIRES")
			for _, t := range list {
				fmt.Fprintf(w, "%d\t@%s\t%d\t%s\t%v\t%s\n",
					t.ID, t.Username, t.OwnerID, logx.RedactToken(t.Token), t.Active, formatEnd(t.SubscriptionEnd))
			}
			return w.Flush()
		}),
	}
	cmd.Flags().BoolVar(&expired, "expired", false, "only tenants whose subscription has ended")
	return cmd
}

func newTenantActiveCmd(cfgPath *string, use string, active bool) *cobra.Command {
	short, done := "Stop a tenant bot (jobs are kept)", "stopped"
	if active {
		short, done = "Start a stopped tenant bot", "started"
	}
	return &cobra.Command{
		Use:   use + " <tenant_id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: withStore(cfgPath, func(cmd *cobra.Command, db *storage.DB, args []string) error {
			id, err := parseTenantID(args[0])
			if err != nil {
				return err
			}
			if err := db.SetTenantActive(cmd.Context(), id, active); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ tenant %d %s\n", id, done)
			return nil
		}),
	}
}

func newTenantExtendCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "extend <tenant_id> <days>",
		Short: "Extend a subscription from max(now, current end)",
		Args:  cobra.ExactArgs(2),
		RunE: withStore(cfgPath, func(cmd *cobra.Command, db *storage.DB, args []string) error {
			id, err := parseTenantID(args[0])
			if err != nil {
				return err
			}
			days, err := strconv.Atoi(args[1])
			if err != nil || days <= 0 {
				return fmt.Errorf("days must be a positive number, got %q", args[1])
			}
			end, err := db.ExtendSubscription(cmd.Context(), id, time.Duration(days)*24*time.Hour)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ tenant %d now expires %s\n", id, formatEnd(end))
			return nil
		}),
	}
}

func parseTenantID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid tenant id %q", s)
	}
	return id, nil
}

func formatEnd(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format("2006-01-02 15:04")
}
