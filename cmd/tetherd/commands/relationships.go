package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheusHen/tether/tether/clock"
)

func relationshipsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "relationships",
		Aliases: []string{"rel"},
		Short:   "Inspect and remove paired devices",
	}
	cmd.AddCommand(relationshipsListCmd(), relationshipsRemoveCmd())
	return cmd
}

type relationshipRow struct {
	ID          string    `json:"id"`
	Nickname    string    `json:"nickname"`
	Peer        string    `json:"peer_fingerprint"`
	Address     string    `json:"peer_address,omitempty"`
	LastContact time.Time `json:"last_contact"`
	AutoForget  bool      `json:"auto_forget"`
	Stale       bool      `json:"stale"`
	Grants      []string  `json:"grants"`
}

func relationshipsListCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List relationships with their grants",
		RunE: func(cmd *cobra.Command, args []string) error {
			clk := clock.Real()
			km, err := openKeyring(clk)
			if err != nil {
				return err
			}
			perms, db, err := openPermissions(clk)
			if err != nil {
				return err
			}
			defer db.Close()

			stale := map[string]bool{}
			for _, c := range km.Stale() {
				stale[c.ID.String()] = true
			}
			var rows []relationshipRow
			for _, c := range km.Relationships() {
				row := relationshipRow{
					ID:          c.ID.String(),
					Nickname:    c.Nickname,
					Peer:        c.PeerDeviceKey.Fingerprint(),
					Address:     c.PeerAddress,
					LastContact: c.LastContact,
					AutoForget:  c.AutoForget,
					Stale:       stale[c.ID.String()],
					Grants:      []string{},
				}
				for _, op := range perms.List(c.ID) {
					row.Grants = append(row.Grants, op.String())
				}
				rows = append(rows, row)
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNICKNAME\tPEER\tLAST CONTACT\tGRANTS")
			for _, r := range rows {
				last := r.LastContact.Local().Format(time.DateTime)
				if r.Stale {
					last += " (stale)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", short(r.ID), r.Nickname, r.Peer, last, len(r.Grants))
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func relationshipsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id|prefix|nickname>",
		Short: "Forget a relationship and its grants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			clk := clock.Real()
			km, err := openKeyring(clk)
			if err != nil {
				return err
			}
			c, err := resolve(km, args[0])
			if err != nil {
				return err
			}
			perms, db, err := openPermissions(clk)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := km.Remove(c.ID); err != nil {
				return err
			}
			n, err := perms.RevokeAll(c.ID)
			if err != nil {
				return err
			}
			fmt.Printf("Removed %s (%s) and %d grants.\n", c.Nickname, c.ID, n)
			return nil
		},
	}
}

func short(id string) string {
	if len(id) > 16 {
		return id[:16]
	}
	return id
}
