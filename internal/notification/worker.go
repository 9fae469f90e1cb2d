package notification

import (
	"context"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"breakdown-service-backend/internal/model"
)

// Sender defines the interface for sending a web push notification.
type Sender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of Sender using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// Job is one push to every subscription held by a user, typically queued on
// a terminal transition of the user's request.
type Job struct {
	RequestID string
	UserID    string
	Message   string
}

// WorkerPool manages a pool of workers for sending notifications. Push
// delivery is best effort and never blocks or fails the transition that
// queued it.
type WorkerPool struct {
	size    int
	jobs    chan Job
	db      *gorm.DB
	webpush *webpush.Options
	sender  Sender
	log     *logrus.Logger
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(size int, db *gorm.DB, webpushOptions *webpush.Options, log *logrus.Logger) *WorkerPool {
	return &WorkerPool{
		size:    size,
		jobs:    make(chan Job, size),
		db:      db,
		webpush: webpushOptions,
		sender:  &WebPushSender{},
		log:     log,
	}
}

// SetSender swaps the delivery implementation, for tests.
func (wp *WorkerPool) SetSender(s Sender) {
	wp.sender = s
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

// worker is the actual worker goroutine.
func (wp *WorkerPool) worker(ctx context.Context, id int) {
	wp.log.Printf("notification worker %d started", id)
	for {
		select {
		case job := <-wp.jobs:
			wp.sendNotificationsForUser(ctx, job)
		case <-ctx.Done():
			wp.log.Printf("notification worker %d shutting down", id)
			return
		}
	}
}

// Dispatch queues a job. A full queue drops the job rather than blocking the
// caller; the client's periodic re-fetch covers missed notifications.
func (wp *WorkerPool) Dispatch(requestID, userID, message string) {
	select {
	case wp.jobs <- Job{RequestID: requestID, UserID: userID, Message: message}:
	default:
		wp.log.Printf("notification queue full, dropping push for request %s", requestID)
	}
}

// Jobs returns the jobs channel for testing.
func (wp *WorkerPool) Jobs() chan Job {
	return wp.jobs
}

// sendNotificationsForUser fetches the user's subscriptions and pushes to each.
func (wp *WorkerPool) sendNotificationsForUser(ctx context.Context, job Job) {
	var subscriptions []model.PushSubscription
	err := wp.db.WithContext(ctx).
		Where("user_id = ?", job.UserID).
		Find(&subscriptions).Error
	if err != nil {
		wp.log.Printf("error fetching subscriptions for user %s: %v", job.UserID, err)
		return
	}

	if len(subscriptions) == 0 {
		return
	}

	wp.log.Printf("sending %d notifications for request %s", len(subscriptions), job.RequestID)
	for _, sub := range subscriptions {
		wp.sendNotification(ctx, sub, []byte(job.Message))
	}
}

// sendNotification sends a single web push notification.
func (wp *WorkerPool) sendNotification(ctx context.Context, sub model.PushSubscription, payload []byte) {
	if wp.webpush == nil {
		// The webpush library dereferences its options; without VAPID keys a
		// stored subscription must not take the worker down.
		wp.log.Printf("push disabled, dropping notification for %s", sub.Endpoint)
		return
	}

	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	if err != nil {
		wp.log.Printf("error sending notification to %s: %v", sub.Endpoint, err)
		return
	}
	defer resp.Body.Close()

	// Handle expired subscriptions
	if resp.StatusCode == http.StatusGone {
		wp.log.Printf("subscription for endpoint %s is expired, deleting", sub.Endpoint)
		if err := wp.db.WithContext(ctx).Delete(&sub).Error; err != nil {
			wp.log.Printf("failed to delete expired subscription %s: %v", sub.Endpoint, err)
		}
	}
}
