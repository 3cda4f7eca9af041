package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"race-sync/internal/localstore"
	"race-sync/internal/models"
	"race-sync/internal/syncclient"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
)

var (
	profilePath string
	deviceName  string
	entryPoint  string
	entryRun    int
	entryStatus string
	faultNotes  string
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Act as a timing device",
	Long:  `Record entries and faults locally and sync them with a coordinator. State is kept in the device profile and its snapshot between runs.`,
}

// device bundles what a client command works with.
type device struct {
	path    string
	profile *syncclient.Profile
	store   *localstore.Store
	client  *syncclient.Client
}

func loadDevice(needRace bool) (*device, error) {
	path := profilePath
	if path == "" {
		path = cfg.Client.Profile
	}
	profile, err := syncclient.LoadProfile(path)
	if err != nil {
		return nil, err
	}
	if needRace && profile.RaceID == "" {
		return nil, errors.New("no race joined yet, run 'client join' first")
	}

	clock := clockwork.NewRealClock()
	store := localstore.New(clock)
	if err := profile.LoadStore(store); err != nil {
		return nil, fmt.Errorf("load local store: %w", err)
	}

	d := &device{path: path, profile: profile, store: store}
	if profile.RaceID != "" {
		opts := profile.Options()
		if opts.ServerURL == "" {
			opts.ServerURL = cfg.Client.ServerURL
		}
		opts.PollInterval = cfg.Client.PollInterval
		opts.RequestTimeout = cfg.Client.RequestTimeout
		opts.TombstoneRetention = cfg.Sync.RaceTTL
		opts.Clock = clock
		opts.OnAdvisory = printAdvisory
		if d.client, err = syncclient.New(store, opts); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// save waits for background pushes and persists profile and store.
func (d *device) save() error {
	if d.client != nil {
		d.client.Wait()
	}
	if err := d.profile.SaveStore(d.store); err != nil {
		return err
	}
	return d.profile.Save(d.path)
}

func printAdvisory(a syncclient.Advisory) {
	fmt.Printf("Possible duplicate: bib %s at %s run %d was also recorded by %s at %s\n",
		a.Entry.Bib, a.Entry.Point, a.Entry.Run,
		deviceLabel(a.Duplicate.DeviceID, a.Duplicate.DeviceName), a.Duplicate.Timestamp)
}

var clientJoinCmd = &cobra.Command{
	Use:   "join [race-id]",
	Short: "Join a race",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raceID, err := models.NormalizeRaceID(args[0])
		if err != nil {
			return err
		}
		d, err := loadDevice(false)
		if err != nil {
			return err
		}
		if d.profile.RaceID != "" && d.profile.RaceID != raceID {
			// Local data belongs to the previous race.
			d.store = localstore.New(clockwork.NewRealClock())
		}
		d.profile.RaceID = raceID
		if d.profile.ServerURL == "" {
			d.profile.ServerURL = cfg.Client.ServerURL
		}
		if deviceName != "" {
			d.profile.DeviceName = models.SanitizeText(deviceName, models.MaxDeviceNameLength)
		}

		client, err := syncclient.New(d.store, d.profile.Options())
		if err != nil {
			return err
		}
		exists, err := client.CheckRace(cmd.Context())
		switch {
		case err != nil:
			fmt.Printf("Coordinator not reachable (%v), joining offline.\n", err)
		case exists.Exists:
			fmt.Printf("Joining race %s with %d entries.\n", raceID, exists.EntryCount)
		default:
			fmt.Printf("Race %s is new, it is created by the first entry.\n", raceID)
		}
		return d.save()
	},
}

var clientRecordCmd = &cobra.Command{
	Use:   "record [bib]",
	Short: "Record a timing entry",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := loadDevice(true)
		if err != nil {
			return err
		}
		entry := models.Entry{
			Point:  models.Point(strings.ToUpper(entryPoint)),
			Run:    entryRun,
			Status: models.Status(strings.ToLower(entryStatus)),
		}
		if len(args) == 1 {
			entry.Bib = args[0]
		}

		recorded, err := d.client.Record(entry)
		if err != nil {
			return err
		}
		fmt.Printf("Recorded bib %s at %s run %d (%s)\n", recorded.Bib, recorded.Point, recorded.Run, recorded.Timestamp)
		return d.save()
	},
}

var clientFaultCmd = &cobra.Command{
	Use:   "fault [bib] [gate] [MG|STR|BR]",
	Short: "Record a gate fault",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		gate, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid gate number %q", args[1])
		}
		d, err := loadDevice(true)
		if err != nil {
			return err
		}

		fault := models.FaultEntry{
			Bib:        args[0],
			Run:        entryRun,
			GateNumber: gate,
			FaultType:  models.FaultType(strings.ToUpper(args[2])),
			Notes:      faultNotes,
		}
		if faultNotes != "" {
			fault.NotesSource = models.NotesManual
		}
		recorded, err := d.client.RecordFault(fault)
		if err != nil {
			return err
		}
		fmt.Printf("Recorded %s for bib %s at gate %d\n", recorded.FaultType, recorded.Bib, recorded.GateNumber)
		return d.save()
	},
}

var clientUndoCmd = &cobra.Command{
	Use:   "undo",
	Short: "Undo the last local action",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := loadDevice(true)
		if err != nil {
			return err
		}
		action, err := d.client.Undo(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Undid %s\n", strings.ToLower(strings.ReplaceAll(string(action.Type), "_", " ")))
		return d.save()
	},
}

var clientLoginCmd = &cobra.Command{
	Use:   "login [pin]",
	Short: "Authorize this device for management actions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := loadDevice(true)
		if err != nil {
			return err
		}
		token, expiresAt, err := d.client.Login(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		d.profile.Token = token
		fmt.Printf("Authorized until %s\n", expiresAt.Local().Format("15:04:05"))
		return d.save()
	},
}

var clientSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push pending changes and pull the race once",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := loadDevice(true)
		if err != nil {
			return err
		}
		syncErr := d.client.SyncOnce(cmd.Context())
		if err := d.save(); err != nil {
			return err
		}
		if syncErr != nil {
			return syncErr
		}
		return printStatus(d)
	},
}

var clientWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep syncing until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := loadDevice(true)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		fmt.Printf("Syncing race %s every %s, press Ctrl+C to stop.\n", d.profile.RaceID, cfg.Client.PollInterval)
		if err := d.client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return d.save()
	},
}

var clientStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the local view of the race",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := loadDevice(false)
		if err != nil {
			return err
		}
		return printStatus(d)
	},
}

func printStatus(d *device) error {
	fmt.Printf("Device:  %s\n", deviceLabel(d.profile.DeviceID, d.profile.DeviceName))
	if d.profile.RaceID == "" {
		fmt.Println("Race:    none")
		return nil
	}
	fmt.Printf("Race:    %s on %s\n", d.profile.RaceID, d.profile.ServerURL)

	status := d.client.Status()
	fmt.Printf("Sync:    %s, %d pending, %d devices online, highest bib %d\n",
		status.State, status.Pending, status.DeviceCount, status.HighestBib)
	if status.LastError != "" {
		fmt.Printf("Error:   %s\n", status.LastError)
	}
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "BIB\tPOINT\tRUN\tSTATUS\tTIMESTAMP\tDEVICE\tSYNCED")
	for _, e := range d.store.Entries() {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%t\n", e.Bib, e.Point, e.Run, e.Status, e.Timestamp, deviceLabel(e.DeviceID, e.DeviceName), e.SyncedAt != nil)
	}
	for _, f := range d.store.Faults() {
		fmt.Fprintf(w, "%s\tgate %d\t%d\t%s v%d %s\t%s\t%s\t%t\n", f.Bib, f.GateNumber, f.Run, f.FaultType, f.CurrentVersion, f.State(), f.Timestamp, deviceLabel(f.DeviceID, f.DeviceName), f.SyncedAt != nil)
	}
	return w.Flush()
}

func init() {
	clientCmd.PersistentFlags().StringVar(&profilePath, "profile", "", "device profile file (default from client.profile)")
	clientJoinCmd.Flags().StringVar(&deviceName, "name", "", "device name shown to other devices")
	clientRecordCmd.Flags().StringVarP(&entryPoint, "point", "p", string(models.PointFinish), "timing point (S, I1, I2, I3, F)")
	clientRecordCmd.Flags().IntVarP(&entryRun, "run", "r", 1, "run number")
	clientRecordCmd.Flags().StringVarP(&entryStatus, "status", "s", string(models.StatusOK), "status (ok, dns, dnf, dsq)")
	clientFaultCmd.Flags().IntVarP(&entryRun, "run", "r", 1, "run number")
	clientFaultCmd.Flags().StringVar(&faultNotes, "notes", "", "judge notes")

	clientCmd.AddCommand(clientJoinCmd, clientRecordCmd, clientFaultCmd, clientUndoCmd, clientLoginCmd, clientSyncCmd, clientWatchCmd, clientStatusCmd)
	rootCmd.AddCommand(clientCmd)
}
