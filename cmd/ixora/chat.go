package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	comms "github.com/alexxcrz/ixora-comms"
	"github.com/spf13/cobra"
)

var (
	chatDirect string
	chatGroup  string

	chatSendPriority bool
	chatSendMention  string

	chatHistoryLimit int
)

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.AddCommand(chatSendCmd)
	chatCmd.AddCommand(chatHistoryCmd)
	chatCmd.AddCommand(chatWatchCmd)

	chatCmd.PersistentFlags().StringVar(&chatDirect, "direct", "", "direct channel counterpart handle")
	chatCmd.PersistentFlags().StringVar(&chatGroup, "group", "", "group channel id")

	chatSendCmd.Flags().BoolVar(&chatSendPriority, "priority", false, "flag the message as priority")
	chatSendCmd.Flags().StringVar(&chatSendMention, "mention", "", "handle to mention")

	chatHistoryCmd.Flags().IntVar(&chatHistoryLimit, "limit", 50, "maximum messages to print")
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Channel messaging commands",
	Long:  "Send, list and watch channel messages.\nWithout --direct or --group the company-wide channel is used.",
}

var chatSendCmd = &cobra.Command{
	Use:   "send <body>",
	Short: "Send a message to a channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := channelRef(chatDirect, chatGroup)
		if err != nil {
			return err
		}

		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		msg, err := client.PostMessage(ctx, ref, comms.Draft{
			Body:     args[0],
			Priority: chatSendPriority,
			Mention:  chatSendMention,
		})
		if err != nil {
			var restricted *comms.RestrictionError
			if errors.As(err, &restricted) {
				return fmt.Errorf("posting restricted: %s", restricted.Error())
			}
			return fmt.Errorf("send failed: %w", err)
		}

		fmt.Printf("Sent %s to %s\n", msg.ID, ref)
		return nil
	},
}

var chatHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Print a channel's message history",
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := channelRef(chatDirect, chatGroup)
		if err != nil {
			return err
		}

		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		msgs, err := client.FetchHistory(ctx, ref)
		if err != nil {
			return fmt.Errorf("fetch history: %w", err)
		}

		if len(msgs) > chatHistoryLimit {
			msgs = msgs[len(msgs)-chatHistoryLimit:]
		}
		for _, m := range msgs {
			printMessage(m)
		}
		return nil
	},
}

var chatWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream a channel's messages live",
	Long:  "Connect to the event stream, print the channel's history and then every new message as it arrives. Ctrl-C to stop.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := channelRef(chatDirect, chatGroup)
		if err != nil {
			return err
		}

		session, cfg := getSession()
		defer session.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := session.Start(ctx, cfg.Auth.Handle); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		if err := session.LoadHistory(ctx, ref); err != nil {
			return fmt.Errorf("fetch history: %w", err)
		}
		session.OpenChannel(ref)

		seen := make(map[string]bool)
		for _, m := range session.Snapshot(ref).Messages {
			seen[m.ID] = true
			printMessage(m)
		}

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-sigs:
				return nil
			case <-ticker.C:
				for _, m := range session.Snapshot(ref).Messages {
					if m.ID == "" || seen[m.ID] {
						continue
					}
					seen[m.ID] = true
					printMessage(m)
				}
			}
		}
	},
}

func printMessage(m comms.Message) {
	flags := ""
	if m.Priority {
		flags = " [!]"
	}
	if m.EditedAt != nil {
		flags += " (edited)"
	}
	fmt.Printf("%s  %-16s%s  %s\n", m.SentAt.Local().Format("15:04:05"), m.Sender, flags, m.Body)
}
