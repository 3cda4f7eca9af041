package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"race-sync/internal/config"
	"race-sync/internal/coordinator"
	"race-sync/internal/models"
	"race-sync/internal/utils"

	"github.com/jonboulle/clockwork"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
)

var qrOutput string

var raceCmd = &cobra.Command{
	Use:   "race",
	Short: "Administer races stored on this coordinator",
}

func raceService() (*coordinator.Service, error) {
	p, err := openProvider()
	if err != nil {
		return nil, err
	}
	return coordinator.NewService(p, cfg.Sync, clockwork.NewRealClock()), nil
}

var raceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live races",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := raceService()
		if err != nil {
			return err
		}
		races, err := svc.ListRaces(cmd.Context())
		if err != nil {
			return fmt.Errorf("error listing races: %w", err)
		}
		if len(races) == 0 {
			fmt.Println("No races found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "RACE\tENTRIES\tFAULTS\tLAST UPDATED\tEXPIRES")
		for _, race := range races {
			fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n", race.ID, race.EntryCount, race.FaultCount,
				race.LastUpdated.Format(time.RFC3339), race.ExpiresAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var raceShowCmd = &cobra.Command{
	Use:   "show [race-id]",
	Short: "Show the entries of a race",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := raceService()
		if err != nil {
			return err
		}
		state, err := svc.GetEntries(cmd.Context(), args[0], coordinator.Device{})
		if err != nil {
			return err
		}

		fmt.Printf("Devices online: %d  Highest bib: %d\n\n", state.DeviceCount, state.HighestBib)
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tBIB\tPOINT\tRUN\tSTATUS\tTIMESTAMP\tDEVICE")
		for _, e := range state.Entries {
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\t%s\n", e.ID, e.Bib, e.Point, e.Run, e.Status, e.Timestamp, deviceLabel(e.DeviceID, e.DeviceName))
		}
		return w.Flush()
	},
}

var raceDeleteCmd = &cobra.Command{
	Use:   "delete [race-id]",
	Short: "Delete a race and all of its data",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := raceService()
		if err != nil {
			return err
		}
		if err := svc.DeleteRace(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("error deleting race: %w", err)
		}
		fmt.Printf("Race %s deleted.\n", args[0])
		return nil
	},
}

var raceDuplicatesCmd = &cobra.Command{
	Use:   "duplicates [race-id]",
	Short: "List observations reported by more than one device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := raceService()
		if err != nil {
			return err
		}
		groups, err := svc.FindDuplicates(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(groups) == 0 {
			fmt.Println("No cross-device duplicates.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "BIB\tPOINT\tRUN\tDEVICE\tTIMESTAMP")
		for _, g := range groups {
			for _, e := range g.Entries {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", g.Bib, g.Point, g.Run, deviceLabel(e.DeviceID, e.DeviceName), e.Timestamp)
			}
		}
		return w.Flush()
	},
}

var racePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove expired race data",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := raceService()
		if err != nil {
			return err
		}
		n, err := svc.Prune(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d expired rows.\n", n)
		return nil
	},
}

var raceQRCmd = &cobra.Command{
	Use:   "qr [race-id]",
	Short: "Write a QR code with the race join link",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		link, err := raceJoinURL(cfg, args[0])
		if err != nil {
			return err
		}
		return writeQR(link, qrOutput)
	},
}

func raceJoinURL(cfg *config.Config, rawRaceID string) (string, error) {
	raceID, err := models.NormalizeRaceID(rawRaceID)
	if err != nil {
		return "", err
	}
	base := cfg.BaseURL
	if base == "" {
		base = cfg.Client.ServerURL
	}
	return utils.JoinURL(base, raceID), nil
}

func writeQR(link, path string) error {
	qr, err := qrcode.Encode(link, qrcode.Medium, config.QR_IMAGE_SIZE)
	if err != nil {
		return fmt.Errorf("error generating QR code: %w", err)
	}
	if err := os.WriteFile(path, qr, 0o644); err != nil {
		return fmt.Errorf("error saving QR code: %w", err)
	}
	fmt.Printf("Join link %s written to %s\n", link, path)
	return nil
}

func deviceLabel(id, name string) string {
	if name == "" {
		return id
	}
	return fmt.Sprintf("%s (%s)", name, id)
}

func init() {
	raceQRCmd.Flags().StringVarP(&qrOutput, "output", "o", "race-qr.png", "PNG file to write")

	raceCmd.AddCommand(raceListCmd, raceShowCmd, raceDeleteCmd, raceDuplicatesCmd, racePruneCmd, raceQRCmd)
	rootCmd.AddCommand(raceCmd)
}
