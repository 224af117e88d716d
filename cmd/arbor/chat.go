package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aretw0/arbor/pkg/domain"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Run an interactive conversation from the terminal",
	Long: `Opens a local REPL against one conversation. Each line you type runs one
turn through the engine; type 'exit' or 'quit' to leave. With a durable
store configured, the conversation resumes where it left off.`,
	Run: func(cmd *cobra.Command, args []string) {
		tenant, _ := cmd.Flags().GetString("tenant")
		user, _ := cmd.Flags().GetString("user")
		conversation, _ := cmd.Flags().GetString("conversation")

		logger, err := newLogger(cmd)
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		agent, err := buildAgent(ctx, cmd, logger)
		if err != nil {
			fmt.Printf("Error initializing agent: %v\n", err)
			os.Exit(1)
		}
		defer agent.Close(context.Background())

		key := domain.IsolationKey{Tenant: tenant, User: user, Conversation: conversation}
		fmt.Printf("--- arbor chat (%s) ---\n", key.String())

		reader := bufio.NewReader(os.Stdin)
		for {
			fmt.Print("> ")
			text, err := reader.ReadString('\n')
			if err != nil {
				break
			}
			input := strings.TrimSpace(text)
			if input == "" {
				continue
			}
			if input == "exit" || input == "quit" {
				fmt.Println("Bye!")
				break
			}

			result, err := agent.RunTurn(ctx, key, input)
			if err != nil {
				fmt.Printf("Error: %v\n", err)
				continue
			}
			if len(result.ToolsUsed) > 0 {
				fmt.Printf("[tools: %s]\n", strings.Join(result.ToolsUsed, ", "))
			}
			if result.Err != "" {
				fmt.Printf("[turn ended with %s]\n", result.Err)
			}
			fmt.Println(result.FinalMessage)
		}
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().String("tenant", "local", "Tenant identifier")
	chatCmd.Flags().String("user", "me", "User identifier")
	chatCmd.Flags().String("conversation", "default", "Conversation identifier")
}
