package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"Tradechat/internal/chat"
	"Tradechat/internal/model"

	"github.com/spf13/cobra"
)

func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat <conversationId>",
		Short: "Open a conversation; each line you type is sent",
		Long: "Open a conversation and send every line typed on stdin.\n" +
			"Commands: /retry <messageId> re-sends a failed message, /quit leaves.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, container, cleanup, err := bootstrap(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			if _, err := container.Inbox.Refresh(ctx); err != nil {
				return fmt.Errorf("list conversations: %w", err)
			}
			view, err := container.Inbox.Open(ctx, args[0])
			if err != nil {
				return fmt.Errorf("open conversation %s: %w", args[0], err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "conversation %s with %s", view.ConversationID(), view.Counterpart())
			if view.CounterpartOnline() {
				fmt.Fprint(out, " (online)")
			}
			fmt.Fprintln(out)

			p := newPrinter(out, view)
			view.OnChange(p.refresh)
			view.OnTypingChange(p.typing)
			p.refresh()

			return readLoop(ctx, cmd.InOrStdin(), out, view)
		},
	}
}

func readLoop(ctx context.Context, in io.Reader, out io.Writer, view *chat.View) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				view.Wait()
				return nil
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
			case line == "/quit":
				view.Wait()
				return nil
			case strings.HasPrefix(line, "/retry "):
				id := strings.TrimSpace(strings.TrimPrefix(line, "/retry "))
				if _, err := view.Retry(ctx, id); err != nil {
					fmt.Fprintf(out, "! cannot retry %s: %v\n", id, err)
				}
			default:
				if _, err := view.Send(ctx, line); err != nil {
					fmt.Fprintf(out, "! %v\n", err)
				}
			}
		}
	}
}

// printer writes new and changed messages. Everything printed counts as
// fully visible, which drives read receipts.
type printer struct {
	out  io.Writer
	view *chat.View
	self string

	mu      sync.Mutex
	printed map[string]model.MessageStatus
}

func newPrinter(out io.Writer, view *chat.View) *printer {
	return &printer{
		out:     out,
		view:    view,
		self:    view.SelfID(),
		printed: make(map[string]model.MessageStatus),
	}
}

func (p *printer) refresh() {
	var seen []string

	p.mu.Lock()
	for _, m := range p.view.Messages() {
		prev, ok := p.printed[m.ID]
		if ok && prev == m.Status {
			continue
		}
		p.printed[m.ID] = m.Status
		switch _, optimistic := p.printed[m.ClientTempID]; {
		case !ok && m.ClientTempID != "" && optimistic:
			delete(p.printed, m.ClientTempID)
			fmt.Fprintf(p.out, "  %s confirmed as %s (%s)\n", m.ClientTempID, m.ID, m.Status)
		case !ok:
			p.line(m)
		case m.IsFrom(p.self):
			fmt.Fprintf(p.out, "  %s is now %s\n", m.ID, m.Status)
		}
		if !m.IsFrom(p.self) {
			seen = append(seen, m.ID)
		}
	}
	p.mu.Unlock()

	for _, id := range seen {
		p.view.ReportVisibility(id, 1)
	}
}

func (p *printer) line(m model.Message) {
	who := m.SenderID
	if m.IsFrom(p.self) {
		who = "you"
	}
	fmt.Fprintf(p.out, "[%s] %s: %s", m.SentAt.Local().Format("15:04"), who, m.Content)
	if m.IsFrom(p.self) {
		fmt.Fprintf(p.out, "  (%s, %s)", m.Status, m.ID)
	}
	fmt.Fprintln(p.out)
}

func (p *printer) typing(userIDs []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(userIDs) == 0 {
		return
	}
	fmt.Fprintf(p.out, "  %s typing...\n", strings.Join(userIDs, ", "))
}
