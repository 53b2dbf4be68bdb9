// Package client implements the real-time synchronization layer of a
// groupsync session: the connection manager owning the persistent
// WebSocket, the event router demultiplexing server pushes, the keyed
// per-entity state store, and the optimistic vote coordinator.
package client

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/vladimirruppel/groupsync/internal/config"
)

// Client wires the synchronization components together for one session.
// The Manager is the single shared connection object; everything else
// hangs off it.
type Client struct {
	Manager *Manager
	Router  *Router
	Store   *Store
	Votes   *Votes
	History *History

	endpoint   string
	credential string
}

// New assembles a client from cfg. Connect starts the session.
func New(cfg config.Config, log zerolog.Logger) *Client {
	store := NewStore(log)
	store.SetTypingTTL(cfg.TypingTTL)

	router := NewRouter(store, log)

	mgr := NewManager(ManagerOptions{
		InitialBackoff: cfg.Backoff.Initial,
		MaxBackoff:     cfg.Backoff.Max,
		InvokeTimeout:  cfg.InvokeTimeout,
	}, log)
	mgr.OnTransport(router.Bind)

	votes := NewVotes(mgr, store, log)
	votes.SetErrorTTL(cfg.VoteErrorTTL)

	return &Client{
		Manager:    mgr,
		Router:     router,
		Store:      store,
		Votes:      votes,
		History:    NewHistory(cfg.HistoryURL, cfg.Token, log),
		endpoint:   cfg.Endpoint,
		credential: cfg.Token,
	}
}

// Connect establishes the session using the configured endpoint and
// credential.
func (c *Client) Connect(ctx context.Context) error {
	return c.Manager.Connect(ctx, c.endpoint, c.credential)
}

// Disconnect tears the session down.
func (c *Client) Disconnect() {
	c.Manager.Disconnect()
}

// JoinGroup subscribes to a group and loads its recent history into the
// store.
func (c *Client) JoinGroup(ctx context.Context, groupID string, historyLimit int) error {
	if err := c.Manager.JoinGroup(ctx, groupID); err != nil {
		return err
	}
	msgs, err := c.History.Messages(ctx, groupID, "", historyLimit)
	if err != nil {
		// Live messages still flow; history can be fetched again later.
		return nil
	}
	c.Store.SetConversation(groupID, msgs)
	return nil
}

// LeaveGroup unsubscribes from a group and drops its local message list.
func (c *Client) LeaveGroup(ctx context.Context, groupID string) error {
	if err := c.Manager.LeaveGroup(ctx, groupID); err != nil {
		return err
	}
	c.Store.ClearConversation(groupID)
	return nil
}
