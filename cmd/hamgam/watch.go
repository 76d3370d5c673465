package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/4xmen/hamgam/internal/auth"
	"github.com/4xmen/hamgam/internal/models"
	"github.com/4xmen/hamgam/internal/realtime"
	"github.com/4xmen/hamgam/internal/unread"
	"github.com/4xmen/hamgam/internal/ws"
	"github.com/4xmen/hamgam/pkg/config"
	"go.uber.org/zap"
)

type watchOptions struct {
	UserID    string
	ServerURL string
	Token     string
}

func parseWatchArgs(cfg *config.Config, args []string) (watchOptions, error) {
	opts := watchOptions{ServerURL: cfg.ServerURL}

	value := func(i int, flag string) (string, error) {
		if i >= len(args) || strings.TrimSpace(args[i]) == "" {
			return "", fmt.Errorf("%s requires a value", flag)
		}
		return args[i], nil
	}

	for i := 0; i < len(args); i++ {
		var err error
		switch args[i] {
		case "--user":
			i++
			opts.UserID, err = value(i, "--user")
		case "--server":
			i++
			opts.ServerURL, err = value(i, "--server")
		case "--token":
			i++
			opts.Token, err = value(i, "--token")
		default:
			err = fmt.Errorf("unknown watch flag: %s", args[i])
		}
		if err != nil {
			return opts, err
		}
	}

	if opts.UserID == "" {
		return opts, fmt.Errorf("--user is required")
	}
	return opts, nil
}

func runWatch(cfg *config.Config, logger *zap.Logger, out io.Writer, args []string) error {
	opts, err := parseWatchArgs(cfg, args)
	if err != nil {
		return err
	}

	// Development shortcut: sign a token with the local secret.
	if opts.Token == "" {
		if opts.Token, err = auth.New(cfg.JWTSecret).GenerateToken(opts.UserID); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sugar := logger.Sugar().Named("watch")
	conn, err := ws.Dial(ctx, opts.ServerURL, opts.Token, sugar, ws.WithRequestTimeout(cfg.RequestTimeout))
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", opts.ServerURL, err)
	}
	defer conn.Close()

	client := realtime.New(conn, sugar)
	if err := client.GoOnline(ctx, opts.UserID); err != nil {
		return err
	}

	view := newWatchView(out, opts.UserID)
	ledger, stopUnread := client.WatchUnread(opts.UserID)
	defer stopUnread()

	defer client.SubscribeFriends(opts.UserID, view.setFriends)()
	defer client.SubscribeGroups(opts.UserID, view.setGroups)()
	defer ledger.OnChange(view.setCounts)()

	select {
	case <-ctx.Done():
		if err := client.GoOffline(context.Background(), opts.UserID); err != nil {
			sugar.Warnw("Failed to go offline", "error", err)
		}
	case <-conn.Done():
		return fmt.Errorf("connection to %s lost", opts.ServerURL)
	}
	return nil
}

// watchView redraws the user's contacts whenever one of its inputs changes.
type watchView struct {
	mu      sync.Mutex
	out     io.Writer
	userID  string
	friends []models.User
	groups  []models.GroupChat
	counts  unread.Counts
}

func newWatchView(out io.Writer, userID string) *watchView {
	return &watchView{out: out, userID: userID, counts: unread.Counts{}}
}

func (v *watchView) setFriends(friends []models.User) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.friends = friends
	v.render()
}

func (v *watchView) setGroups(groups []models.GroupChat) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.groups = groups
	v.render()
}

func (v *watchView) setCounts(counts unread.Counts) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.counts = counts
	v.render()
}

func (v *watchView) render() {
	fmt.Fprintln(v.out, strings.Repeat("-", 40))
	fmt.Fprintf(v.out, "Friends of %s\n", v.userID)
	if len(v.friends) == 0 {
		fmt.Fprintln(v.out, "  (none)")
	}
	for _, f := range v.friends {
		state := "offline"
		if f.IsOnline {
			state = "online"
		}
		fmt.Fprintf(v.out, "  %-20s %-8s unread %d\n", displayName(f), state, v.counts.ForFriend(v.userID, f.ID))
	}

	groups := append([]models.GroupChat(nil), v.groups...)
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })
	fmt.Fprintln(v.out, "Groups")
	if len(groups) == 0 {
		fmt.Fprintln(v.out, "  (none)")
	}
	for _, g := range groups {
		fmt.Fprintf(v.out, "  %-20s %d members, unread %d\n", g.Name, len(g.MemberIDs), v.counts.ForGroup(g.ID))
	}
}

func displayName(u models.User) string {
	if u.Username != "" {
		return u.Username
	}
	return u.ID
}
