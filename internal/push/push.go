package push

import (
	"database/sql"
	"encoding/json"

	webpush "github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"

	"github.com/triplocal/chatsync/internal/metrics"
)

// Notifier sends Web Push notifications to users who are not connected to
// the realtime socket when a message arrives for them.
type Notifier struct {
	db              *sql.DB
	log             *zap.Logger
	vapidPublicKey  string
	vapidPrivateKey string
	subscriber      string
}

// Subscription is a stored Web Push subscription.
type Subscription struct {
	Endpoint  string `json:"endpoint"`
	KeyP256dh string `json:"p256dh"`
	KeyAuth   string `json:"auth"`
}

// NewNotifier creates a push Notifier. Returns nil when the VAPID keys are
// empty; a nil Notifier is safe to call and does nothing.
func NewNotifier(db *sql.DB, log *zap.Logger, vapidPublicKey, vapidPrivateKey, subscriber string) *Notifier {
	if vapidPublicKey == "" || vapidPrivateKey == "" {
		return nil
	}
	return &Notifier{
		db:              db,
		log:             log,
		vapidPublicKey:  vapidPublicKey,
		vapidPrivateKey: vapidPrivateKey,
		subscriber:      subscriber,
	}
}

// VAPIDPublicKey returns the public key clients subscribe with.
func (n *Notifier) VAPIDPublicKey() string {
	if n == nil {
		return ""
	}
	return n.vapidPublicKey
}

// Save stores or refreshes a subscription for userID.
func (n *Notifier) Save(userID int, sub Subscription) error {
	if n == nil {
		return nil
	}
	_, err := n.db.Exec(`
		INSERT INTO push_subscriptions (user_id, endpoint, p256dh, auth)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(endpoint) DO UPDATE SET user_id = excluded.user_id, revoked_at = NULL
	`, userID, sub.Endpoint, sub.KeyP256dh, sub.KeyAuth)
	return err
}

type payload struct {
	Title          string `json:"title"`
	Body           string `json:"body"`
	ConversationID int    `json:"conversation_id"`
}

// NotifyNewMessage sends a notification about a new message to every active
// subscription of userID. Fire and forget.
func (n *Notifier) NotifyNewMessage(userID, conversationID int, senderName string) {
	if n == nil {
		metrics.PushTotal.WithLabelValues("skipped").Inc()
		return
	}

	rows, err := n.db.Query(
		"SELECT endpoint, p256dh, auth FROM push_subscriptions WHERE user_id = ? AND revoked_at IS NULL",
		userID,
	)
	if err != nil {
		n.log.Warn("push: query subscriptions failed", zap.Int("user_id", userID), zap.Error(err))
		return
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		var sub Subscription
		if err := rows.Scan(&sub.Endpoint, &sub.KeyP256dh, &sub.KeyAuth); err != nil {
			continue
		}
		subs = append(subs, sub)
	}
	rows.Close()

	if len(subs) == 0 {
		return
	}

	p := payload{
		Title:          "Nouveau message",
		Body:           "Nouveau message de " + senderName,
		ConversationID: conversationID,
	}
	data, _ := json.Marshal(p)

	n.log.Debug("push: notifying",
		zap.Int("user_id", userID),
		zap.Int("subscriptions", len(subs)))
	for _, sub := range subs {
		go n.send(sub, data)
	}
}

func (n *Notifier) send(sub Subscription, data []byte) {
	s := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.KeyP256dh,
			Auth:   sub.KeyAuth,
		},
	}

	resp, err := webpush.SendNotification(data, s, &webpush.Options{
		VAPIDPublicKey:  n.vapidPublicKey,
		VAPIDPrivateKey: n.vapidPrivateKey,
		Subscriber:      n.subscriber,
		TTL:             86400,
	})
	if err != nil {
		metrics.PushTotal.WithLabelValues("failed").Inc()
		n.log.Warn("push: send failed", zap.String("endpoint", sub.Endpoint), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	metrics.PushTotal.WithLabelValues("sent").Inc()

	// 410 Gone or 404 means the subscription expired; clean it up.
	if resp.StatusCode == 410 || resp.StatusCode == 404 {
		n.db.Exec("DELETE FROM push_subscriptions WHERE endpoint = ?", sub.Endpoint)
		n.log.Debug("push: removed expired subscription", zap.String("endpoint", sub.Endpoint))
	}
}
