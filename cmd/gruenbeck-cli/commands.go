package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/p0l0/gruenbeck-cloud/gruenbeck"
	"github.com/p0l0/gruenbeck-cloud/gruenbeck/models"
)

var (
	configPath string
	username   string
	password   string
	statePath  string
	verbose    bool
	jsonOutput bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.config/gruenbeck/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&username, "username", "", "Account username (overrides config)")
	rootCmd.PersistentFlags().StringVar(&password, "password", "", "Account password (overrides config)")
	rootCmd.PersistentFlags().StringVar(&statePath, "state", "", "Token state file (default ~/.config/gruenbeck/state.json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "JSON output")

	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(regenerateCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(diagCmd)
}

func newClient() (*gruenbeck.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return gruenbeck.New(cfg)
}

// resolveDevice discovers the account's devices and picks the one
// matching id, or the only device when id is empty.
func resolveDevice(ctx context.Context, client *gruenbeck.Client, id string) (*models.Device, error) {
	devices, err := client.GetDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("no water softeners on this account")
	}
	if id == "" {
		if len(devices) == 1 {
			return devices[0], nil
		}
		return nil, fmt.Errorf("account has %d devices, pass a device id", len(devices))
	}
	for _, d := range devices {
		if d.ID == id || d.SerialNumber == id {
			return d, nil
		}
	}
	return nil, fmt.Errorf("no device %q on this account", id)
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List water softeners on the account",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		devices, err := client.GetDevices(cmd.Context())
		if err != nil {
			return err
		}

		if jsonOutput {
			return json.NewEncoder(os.Stdout).Encode(devices)
		}
		for _, d := range devices {
			fmt.Printf("%s\n", d.ID)
			fmt.Printf("   Name:    %s\n", d.Name)
			fmt.Printf("   Serial:  %s\n", d.SerialNumber)
			fmt.Printf("   Series:  %s\n", d.Series)
			if d.NextRegeneration != nil {
				fmt.Printf("   Next regeneration: %s\n", d.NextRegeneration.Format("2006-01-02 15:04"))
			}
			fmt.Println()
		}
		return nil
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh [device-id]",
	Short: "Fetch device state, settings and consumption history",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		device, err := resolveDevice(cmd.Context(), client, argOrEmpty(args))
		if err != nil {
			return err
		}
		if err := client.RefreshDevice(cmd.Context(), device); err != nil {
			return err
		}

		if jsonOutput {
			return json.NewEncoder(os.Stdout).Encode(struct {
				*models.Device
				Parameters   models.Parameters   `json:"parameters"`
				Measurements models.Measurements `json:"measurements"`
			}{device, device.ParameterSnapshot(), device.MeasurementSnapshot()})
		}

		fmt.Printf("%s (%s)\n\n", device.Name, device.ID)
		printParameters(device.ParameterSnapshot())
		printUsage("Salt", device.Salt, "g")
		printUsage("Water", device.Water, "l")
		return nil
	},
}

func printParameters(params models.Parameters) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Println("Settings:")
	for _, k := range keys {
		p := params[k]
		value := fmt.Sprintf("%v", p.Value)
		if p.Label != "" {
			value = fmt.Sprintf("%v (%s)", p.Value, p.Label)
		}
		if p.Unit != "" {
			value += " " + p.Unit
		}
		marker := " "
		if p.Selectable {
			marker = "*"
		}
		fmt.Printf("  %s %-40s %s\n", marker, k, value)
	}
	fmt.Println("  (* writable)")
	fmt.Println()
}

func printUsage(label string, usage []models.DailyUsage, unit string) {
	if len(usage) == 0 {
		return
	}
	fmt.Printf("%s usage:\n", label)
	for _, u := range usage {
		fmt.Printf("  %s  %d %s\n", u.Date.Format("2006-01-02"), u.Value, unit)
	}
	fmt.Println()
}

var setCmd = &cobra.Command{
	Use:   "set <device-id> <key> <value>",
	Short: "Write one device setting",
	Long: `Write one device setting by its canonical key.

The value is validated locally against the parameter's type and value
domain before anything is sent. Run 'refresh' first to see the keys;
only settings marked writable can be changed.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		device, err := resolveDevice(cmd.Context(), client, args[0])
		if err != nil {
			return err
		}
		if err := client.GetParameters(cmd.Context(), device); err != nil {
			return err
		}

		if err := client.SetParameter(cmd.Context(), device, args[1], parseValue(args[2])); err != nil {
			return err
		}
		fmt.Printf("%s = %s\n", args[1], args[2])
		return nil
	},
}

// parseValue guesses the natural type of a CLI argument. The client
// validates against the parameter's declared kind anyway.
func parseValue(raw string) any {
	if b, err := strconv.ParseBool(raw); err == nil && (raw == "true" || raw == "false") {
		return b
	}
	if i, err := strconv.Atoi(raw); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

var regenerateCmd = &cobra.Command{
	Use:   "regenerate [device-id]",
	Short: "Start a manual regeneration cycle",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		device, err := resolveDevice(cmd.Context(), client, argOrEmpty(args))
		if err != nil {
			return err
		}
		if err := client.Regenerate(cmd.Context(), device); err != nil {
			return err
		}
		fmt.Printf("regeneration started on %s\n", device.ID)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch [device-id]",
	Short: "Follow the realtime measurement stream",
	Long: `Open the realtime channel and print measurements as the device
publishes them. The publishing window is kept open until interrupted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		device, err := resolveDevice(ctx, client, argOrEmpty(args))
		if err != nil {
			return err
		}

		if err := client.Connect(ctx, device); err != nil {
			return err
		}
		defer client.Disconnect()
		if err := client.EnterSD(ctx, device); err != nil {
			return err
		}
		defer client.LeaveSD(context.Background(), device)

		// The publishing window closes server side unless refreshed.
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := client.RefreshSD(ctx, device); err != nil {
						fmt.Fprintf(os.Stderr, "refresh window: %v\n", err)
					}
				}
			}
		}()

		fmt.Printf("watching %s (interrupt to stop)\n", device.ID)
		err = client.Listen(ctx, func(d *models.Device) {
			if jsonOutput {
				json.NewEncoder(os.Stdout).Encode(d.MeasurementSnapshot())
				return
			}
			for key, m := range d.MeasurementSnapshot() {
				value := fmt.Sprintf("%v", m.Value)
				if m.Unit != "" {
					value += " " + m.Unit
				}
				fmt.Printf("  %-40s %s\n", key, value)
			}
			fmt.Println()
		})
		if ctx.Err() != nil {
			return nil
		}
		return err
	},
}

var interval time.Duration

func init() {
	watchCmd.Flags().DurationVar(&interval, "refresh-interval", 6*time.Minute, "Realtime window refresh interval")
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Drop the cached session and its persisted tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		return client.Logout()
	},
}

var diagCmd = &cobra.Command{
	Use:   "diag [device-id]",
	Short: "Print a redacted diagnostics dump",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		device, err := resolveDevice(cmd.Context(), client, argOrEmpty(args))
		if err != nil {
			return err
		}
		// A refresh gives the dump a full round of API traffic.
		if err := client.RefreshDevice(cmd.Context(), device); err != nil {
			fmt.Fprintf(os.Stderr, "refresh failed: %v\n", err)
		}
		for _, line := range client.Diagnostics() {
			fmt.Println(line)
		}
		return nil
	},
}

func argOrEmpty(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}
