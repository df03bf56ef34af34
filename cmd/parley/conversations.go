package main

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/parley/pkg/remote"
)

func newConversationsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "conversations",
		Short: "List the owner's conversations, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBackend(true)
			if err != nil {
				return err
			}
			defer func() { _ = b.close() }()

			snap, err := firstConversationSnapshot(b.store, viper.GetString("owner"), 10*time.Second)
			if err != nil {
				return err
			}
			if len(snap.Conversations) == 0 {
				_, _ = fmt.Fprintln(os.Stdout, "no conversations")
				return nil
			}
			for _, c := range snap.Conversations {
				_, _ = fmt.Fprintf(os.Stdout, "%s\t%s\t%s\n",
					c.ID, c.UpdatedAt.Local().Format("2006-01-02 15:04"), c.Title)
			}
			return nil
		},
	}
}

// firstConversationSnapshot reads the initial snapshot of the owner's stream.
func firstConversationSnapshot(s remote.Subscriber, owner string, timeout time.Duration) (remote.ConversationSnapshot, error) {
	snaps := make(chan remote.ConversationSnapshot, 1)
	errs := make(chan error, 1)
	sub, err := s.SubscribeConversations(owner,
		func(snap remote.ConversationSnapshot) {
			select {
			case snaps <- snap:
			default:
			}
		},
		func(err error) {
			select {
			case errs <- err:
			default:
			}
		})
	if err != nil {
		return remote.ConversationSnapshot{}, err
	}
	defer sub.Unsubscribe()

	select {
	case snap := <-snaps:
		return snap, nil
	case err := <-errs:
		return remote.ConversationSnapshot{}, err
	case <-time.After(timeout):
		return remote.ConversationSnapshot{}, errors.New("timed out waiting for conversations")
	}
}
