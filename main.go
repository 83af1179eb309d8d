package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"AIHubRealtime/internal/logger"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "aihub",
	Short: "Realtime multimodal client for Gemini Live and OpenAI Realtime",
	Long: `aihub drives one live session against a generative-AI realtime service.

Microphone audio and throttled video frames stream to the model while text
replies, audio and tool calls come back as events and protocol log entries.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// .env 不存在时忽略
		_ = godotenv.Load()
		logger.InitLogger()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "aihub %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default: search aihub.yaml)")
	rootCmd.PersistentFlags().String("provider", "", "gemini | openai")
	rootCmd.PersistentFlags().String("url", "", "live endpoint override (ws:// or wss://)")
	rootCmd.PersistentFlags().String("model", "", "model name")
	rootCmd.PersistentFlags().String("audio", "", "audio source: microphone | tone | none")
	rootCmd.PersistentFlags().StringSlice("images", nil, "image files streamed as the screen source")
	rootCmd.PersistentFlags().Bool("muted", false, "start with the microphone muted")
	rootCmd.PersistentFlags().String("record", "", "directory for recorded wire frames")

	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
