package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jarvishome/jarvis-ocr/internal/redisdev"
)

var redisDataPath string

var redisCmd = &cobra.Command{
	Use:   "redis",
	Short: "Manage the dev Redis container",
	Long: `Manage the local Redis container used for development.

Production deployments point the worker at the shared Redis through
REDIS_HOST; these commands exist so a laptop can run the full loop
without one.

Examples:
  jarvis-ocr redis start   # Start the Redis container
  jarvis-ocr redis stop    # Stop the container (data preserved)
  jarvis-ocr redis status  # Check container status
  jarvis-ocr redis logs    # View container logs`,
}

func getRedisManager() (*redisdev.Manager, error) {
	return redisdev.NewManager(redisdev.Config{DataPath: redisDataPath})
}

var redisStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Redis container",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := getRedisManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		fmt.Println("Starting Redis...")
		if err := mgr.Start(cmd.Context()); err != nil {
			return fmt.Errorf("failed to start Redis: %w", err)
		}

		fmt.Printf("Redis is running at %s\n", mgr.Addr())
		return nil
	},
}

var redisStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the Redis container",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := getRedisManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		fmt.Println("Stopping Redis...")
		if err := mgr.Stop(cmd.Context()); err != nil {
			return fmt.Errorf("failed to stop Redis: %w", err)
		}

		fmt.Println("Redis stopped")
		return nil
	},
}

var redisStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show Redis container status",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := getRedisManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		status, err := mgr.Status(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to get status: %w", err)
		}

		switch status {
		case redisdev.StatusRunning:
			fmt.Printf("Status: %s\n", status)
			fmt.Printf("Addr: %s\n", mgr.Addr())
		case redisdev.StatusStopped:
			fmt.Printf("Status: %s (use 'jarvis-ocr redis start' to start)\n", status)
		case redisdev.StatusNotFound:
			fmt.Printf("Status: %s (use 'jarvis-ocr redis start' to create)\n", status)
		default:
			fmt.Printf("Status: %s\n", status)
		}

		return nil
	},
}

var redisLogsTail string

var redisLogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show Redis container logs",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := getRedisManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		logs, err := mgr.Logs(cmd.Context(), redisLogsTail)
		if err != nil {
			return fmt.Errorf("failed to get logs: %w", err)
		}

		fmt.Print(logs)
		return nil
	},
}

var redisRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove the Redis container",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := getRedisManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		fmt.Println("Removing Redis container...")
		if err := mgr.Remove(cmd.Context()); err != nil {
			return fmt.Errorf("failed to remove container: %w", err)
		}

		fmt.Println("Redis container removed")
		return nil
	},
}

var redisWaitCmd = &cobra.Command{
	Use:   "wait",
	Short: "Wait for Redis to be ready",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := getRedisManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		timeout, _ := cmd.Flags().GetDuration("timeout")
		fmt.Printf("Waiting for Redis (timeout: %s)...\n", timeout)

		if err := mgr.WaitReady(cmd.Context(), timeout); err != nil {
			return fmt.Errorf("Redis not ready: %w", err)
		}

		fmt.Println("Redis is ready")
		return nil
	},
}

func init() {
	redisCmd.AddCommand(redisStartCmd)
	redisCmd.AddCommand(redisStopCmd)
	redisCmd.AddCommand(redisStatusCmd)
	redisCmd.AddCommand(redisLogsCmd)
	redisCmd.AddCommand(redisRemoveCmd)
	redisCmd.AddCommand(redisWaitCmd)

	redisCmd.PersistentFlags().StringVar(&redisDataPath, "data", "", "Host directory for Redis persistence")
	redisLogsCmd.Flags().StringVar(&redisLogsTail, "tail", "100", "Number of lines to show from the end")
	redisWaitCmd.Flags().Duration("timeout", 30*time.Second, "Timeout waiting for Redis")

	rootCmd.AddCommand(redisCmd)
}
