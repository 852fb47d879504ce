package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	comms "github.com/alexxcrz/ixora-comms"
	"github.com/alexxcrz/ixora-comms/rtc"
	"github.com/spf13/cobra"
)

var (
	callDirect     string
	callGroup      string
	callRecipients string
	callNoVideo    bool
	callICEServers string
)

func init() {
	rootCmd.AddCommand(callCmd)
	callCmd.AddCommand(callStartCmd)
	callCmd.AddCommand(callJoinCmd)

	callCmd.PersistentFlags().StringVar(&callDirect, "direct", "", "direct channel counterpart handle")
	callCmd.PersistentFlags().StringVar(&callGroup, "group", "", "group channel id")
	callCmd.PersistentFlags().BoolVar(&callNoVideo, "no-video", false, "audio-only call")
	callCmd.PersistentFlags().StringVar(&callICEServers, "ice-servers", "", "comma-separated STUN/TURN URLs")

	callStartCmd.Flags().StringVar(&callRecipients, "to", "", "comma-separated handles to invite")
}

var callCmd = &cobra.Command{
	Use:   "call",
	Short: "Call commands",
	Long:  "Start or join channel-scoped calls. The call runs until Ctrl-C.",
}

var callStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a call and invite participants",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCall(func(ctx context.Context, s *comms.Session, ref comms.ChannelRef) error {
			var recipients []string
			if callRecipients != "" {
				recipients = strings.Split(callRecipients, ",")
			} else if ref.Kind == comms.KindDirect {
				recipients = []string{ref.Target}
			}
			return s.StartCall(ctx, ref, recipients)
		})
	},
}

var callJoinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a running call on a channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCall(func(ctx context.Context, s *comms.Session, ref comms.ChannelRef) error {
			return s.JoinCall(ctx, ref)
		})
	},
}

func runCall(enter func(context.Context, *comms.Session, comms.ChannelRef) error) error {
	ref, err := channelRef(callDirect, callGroup)
	if err != nil {
		return err
	}

	client, cfg := getClient()

	var iceServers []string
	if callICEServers != "" {
		iceServers = strings.Split(callICEServers, ",")
	}
	provider, err := rtc.NewProvider(rtc.Config{ICEServers: iceServers})
	if err != nil {
		return fmt.Errorf("media setup: %w", err)
	}

	relay := comms.NewRelay(&comms.RelayConfig{
		BaseURL:       cfg.Default.BaseURL,
		Token:         cfg.Auth.Token,
		AutoReconnect: true,
	})
	session := comms.NewSession(client, relay,
		comms.WithNotifier(terminalNotifier{}),
		comms.WithMediaProvider(provider),
	)
	defer session.Close()

	session.OnCallError(func(err error) {
		fmt.Fprintf(os.Stderr, "call error: %v\n", err)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := session.Start(ctx, cfg.Auth.Handle); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := enter(ctx, session, ref); err != nil {
		return err
	}
	if callNoVideo {
		session.SetVideoEnabled(false)
	}

	fmt.Printf("In call on %s. Ctrl-C to hang up.\n", ref)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	peers := 0
	for {
		select {
		case <-sigs:
			session.Hangup()
			fmt.Println("Hung up.")
			return nil
		case <-ticker.C:
			snap := session.CallSnapshot()
			if snap.State == comms.CallIdle {
				fmt.Println("Call ended.")
				return nil
			}
			if n := len(snap.Peers); n != peers {
				peers = n
				fmt.Printf("Participants: %d\n", n+1)
			}
		}
	}
}
