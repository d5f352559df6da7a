package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/marketchat/internal/app"
	"github.com/vovakirdan/marketchat/internal/chat"
)

func newChatCmd(flags *rootFlags) *cobra.Command {
	var target chat.Target
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open an interactive chat with a seller or in a room",
		Long: "Open an interactive chat. Type a message and press Enter to send it.\n" +
			"/older loads earlier messages, /quit leaves.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target.RoomID == 0 && target.SellerID == 0 {
				return errors.New("one of --room or --seller is required")
			}
			return runChat(cmd.Context(), flags, target, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().Int64Var(&target.RoomID, "room", 0, "existing room id")
	cmd.Flags().Int64Var(&target.SellerID, "seller", 0, "seller user id to chat with")
	cmd.Flags().Int64Var(&target.ListingID, "listing", 0, "listing the conversation is about")
	return cmd
}

func runChat(ctx context.Context, flags *rootFlags, target chat.Target, in io.Reader, out io.Writer) error {
	a, logger, err := setup(ctx, flags)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := a.ServeMetrics(ctx); err != nil {
			logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	me := a.Session().UserID()
	printer := &printer{out: out, me: me}
	view, err := a.OpenChat(ctx, target, app.Hooks{
		OnChange:  printer.status,
		OnMessage: printer.message,
	})
	if view != nil {
		defer view.Unmount()
	}
	if err != nil {
		return noticeError(err)
	}

	if l, ok := view.Listing(); ok {
		fmt.Fprintf(out, "About: %s (%s)\n", l.Name, l.Price.StringFixed(0))
	}
	for _, m := range view.Messages() {
		printer.message(m)
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, 30*time.Second)
	err = view.WaitReady(waitCtx)
	waitCancel()
	if err != nil {
		return noticeError(err)
	}
	fmt.Fprintf(out, "Connected to room %d. Type messages and press Enter to send. Ctrl+C to exit.\n", view.Status().RoomID)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			text := strings.TrimSpace(line)
			switch text {
			case "":
				continue
			case "/quit":
				return nil
			case "/older":
				n, err := view.LoadOlder(ctx)
				if err != nil {
					fmt.Fprintln(out, "!", chat.NoticeFor(err).Message)
					continue
				}
				if n == 0 {
					fmt.Fprintln(out, "(no earlier messages)")
					continue
				}
				fmt.Fprintf(out, "(%d earlier messages)\n", n)
				msgs := view.Messages()
				for _, m := range msgs[:n] {
					printer.message(m)
				}
				continue
			}
			if err := view.Send(ctx, text); err != nil {
				fmt.Fprintln(out, "!", chat.NoticeFor(err).Message)
			}
		}
	}
}

type printer struct {
	out io.Writer
	me  int64
}

func (p *printer) message(m chat.Message) {
	who := m.SenderName
	if m.IsFrom(p.me) {
		who = "you"
	}
	if who == "" {
		who = fmt.Sprintf("user %d", m.SenderID)
	}
	fmt.Fprintf(p.out, "[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04"), who, m.Content)
}

func (p *printer) status(st chat.Status) {
	switch st.State {
	case chat.ViewReconnecting:
		fmt.Fprintln(p.out, "(connection lost, reconnecting...)")
	case chat.ViewError:
		if st.Notice != nil {
			fmt.Fprintln(p.out, "!", st.Notice.Message)
		}
	}
}

func noticeError(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if n := chat.NoticeFor(err); n != nil {
		fmt.Fprintln(os.Stderr, n.Message)
	}
	return err
}
