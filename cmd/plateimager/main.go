// Command plateimager is the bench CLI for the plate-imaging rig: it
// validates experiment plans locally and drives runs on a live machine
// through the controller's DoCommand API.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/robot/client"
	generic "go.viam.com/rdk/services/generic"
	"go.viam.com/utils/rpc"

	"plateimager"
)

var (
	debug      bool
	envFile    string
	address    string
	apiKey     string
	apiKeyID   string
	controller string
	test       bool
)

func main() {
	root := &cobra.Command{
		Use:           "plateimager",
		Short:         "Operate the plate-imaging rig",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "print debugging messages")
	root.PersistentFlags().StringVar(&envFile, "env", "", "path to a .env file with rig settings")

	check := &cobra.Command{
		Use:   "check <config_path>",
		Short: "Validate an experiment plan without touching hardware",
		Args:  cobra.ExactArgs(1),
		RunE:  runCheck,
	}

	run := &cobra.Command{
		Use:   "run <config_path>",
		Short: "Execute an experiment run on the machine",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}
	run.Flags().BoolVarP(&test, "test", "t", false, "dry run: skip remote offload and email, report first/last image paths")
	run.Flags().StringVar(&address, "address", "", "machine address")
	run.Flags().StringVar(&apiKey, "api-key", "", "machine API key")
	run.Flags().StringVar(&apiKeyID, "api-key-id", "", "machine API key ID")
	run.Flags().StringVar(&controller, "controller", "imaging-controller", "name of the controller resource")
	run.MarkFlagRequired("address")

	root.AddCommand(check, run)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newLogger() logging.Logger {
	if debug {
		return logging.NewDebugLogger("plateimager")
	}
	return logging.NewLogger("plateimager")
}

func runCheck(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	limits := plateimager.TravelLimits{}
	if settings, err := plateimager.LoadSettings(envFile); err != nil {
		logger.Warnf("settings unavailable, checking without a travel bound: %v", err)
	} else {
		limits = settings.TravelLimits()
	}

	plan, err := plateimager.LoadPlan(args[0])
	if err != nil {
		return err
	}
	if err := plan.Validate(limits); err != nil {
		return err
	}

	fmt.Printf("%s: %d stage(s), %d image(s) per camera per row, total travel %dmm\n",
		plan.Name, len(plan.Stages), plan.NumberOfImages, plan.TotalSpanMM())
	for i, stage := range plan.Stages {
		fmt.Printf("  stage %d: start %dmm, %d row(s) at %dmm pitch, span %dmm\n",
			i+1, stage.StageDistance.Length, stage.Rows, stage.RowDistance.Length, stage.Span())
	}
	if plan.ExceedsTravel(limits) {
		fmt.Printf("  warning: plan travels past the %dmm bound\n", limits.MaxMM)
	}
	return nil
}

func runRun(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var opts []client.RobotClientOption
	if apiKey != "" {
		opts = append(opts, client.WithDialOptions(rpc.WithEntityCredentials(
			apiKeyID,
			rpc.Credentials{Type: rpc.CredentialsTypeAPIKey, Payload: apiKey},
		)))
	}

	machine, err := client.New(ctx, address, logger, opts...)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", address, err)
	}
	defer machine.Close(ctx)

	res, err := machine.ResourceByName(generic.Named(controller))
	if err != nil {
		return fmt.Errorf("finding controller %q: %w", controller, err)
	}

	started, err := res.DoCommand(ctx, map[string]interface{}{
		"command":     "run",
		"config_path": args[0],
		"test":        test,
	})
	if err != nil {
		return err
	}
	fmt.Printf("started %v for experiment %v\n", started["run_id"], started["experiment"])

	// Runs take minutes to hours; poll the controller until it goes idle.
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		status, err := res.DoCommand(ctx, map[string]interface{}{"command": "status"})
		if err != nil {
			return fmt.Errorf("querying run status: %w", err)
		}

		if running, _ := status["running"].(bool); running {
			logger.Debugf("run state: %v (stage %v row %v camera %v)",
				status["state"], status["stage"], status["row"], status["camera"])
			continue
		}

		if errMsg, _ := status["error"].(string); errMsg != "" {
			return fmt.Errorf("run failed: %s", errMsg)
		}
		fmt.Printf("run complete: %v images captured\n", status["images_captured"])
		if test {
			fmt.Printf("first image: %v\nlast image:  %v\n", status["first"], status["last"])
		}
		return nil
	}
}
