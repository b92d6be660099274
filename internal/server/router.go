package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/waxwing-chat/waxwing/internal/metrics"
	"github.com/waxwing-chat/waxwing/internal/protocol"
	"github.com/waxwing-chat/waxwing/internal/store"
)

// Routing errors. Like codec errors these are recoverable: the sender gets
// a notice and the connection stays open.
var (
	ErrUnknownUser  = errors.New("user does not exist")
	ErrUnknownGroup = errors.New("group does not exist")
	ErrNotAMember   = errors.New("sender is not a member of the group")
)

// Datastore is the slice of the store the router depends on.
type Datastore interface {
	FindUser(ctx context.Context, id int64) (*store.User, error)
	FindGroup(ctx context.Context, id int64) (*store.Group, error)
	GroupsForMember(ctx context.Context, userID int64) ([]store.Group, error)
	InsertMessage(ctx context.Context, m *store.Message) error
}

// Router validates, persists, and fans out every inbound envelope.
type Router struct {
	store     Datastore
	directory *Directory
	log       *logrus.Logger
}

func NewRouter(ds Datastore, directory *Directory, log *logrus.Logger) *Router {
	return &Router{store: ds, directory: directory, log: log}
}

// Dispatch runs one envelope through decode, target resolution,
// persistence, and delivery. Codec and routing failures are answered with a
// notice to the sender and a nil return. A datastore failure is returned to
// the caller: the message is dropped but the connection survives.
func (r *Router) Dispatch(ctx context.Context, senderID int64, raw []byte) error {
	env, err := protocol.Decode(raw)
	if err != nil {
		r.reject(senderID, err)
		return nil
	}

	recipients, err := r.resolveTarget(ctx, senderID, env)
	if err != nil {
		if reason := routingReason(err); reason != "" {
			r.reject(senderID, err)
			return nil
		}
		return fmt.Errorf("resolve target: %w", err)
	}

	msg := &store.Message{
		Type:       env.Type,
		FromUserID: senderID,
	}
	if env.ImageData != nil {
		msg.Image = env.ImageData
	} else if env.Message != "" {
		text := env.Message
		msg.Text = &text
	}
	if env.Type == protocol.TypePersonal {
		msg.ToUserID = env.ToUserID
	} else {
		msg.GroupID = env.GroupID
	}

	// No delivery without a persisted record.
	if err := r.store.InsertMessage(ctx, msg); err != nil {
		metrics.RoutingErrors.WithLabelValues(metrics.ReasonPersistence).Inc()
		r.directory.Deliver(senderID, protocol.NoticeStoreFailed)
		return fmt.Errorf("persist message: %w", err)
	}
	metrics.MessagesRouted.WithLabelValues(env.Type).Inc()

	r.notify(senderID, env, recipients)
	return nil
}

// resolveTarget decides the recipient set for an envelope, querying the
// store freshly each time: membership can change between messages, so it is
// never cached.
func (r *Router) resolveTarget(ctx context.Context, senderID int64, env *protocol.Envelope) ([]int64, error) {
	switch env.Type {
	case protocol.TypePersonal:
		if env.ToUserID == nil {
			return nil, ErrUnknownUser
		}
		u, err := r.store.FindUser(ctx, *env.ToUserID)
		if err != nil {
			return nil, err
		}
		if u == nil {
			return nil, ErrUnknownUser
		}
		return []int64{*env.ToUserID}, nil

	default: // protocol.TypeGroup
		if env.GroupID == nil {
			return nil, ErrUnknownGroup
		}
		g, err := r.store.FindGroup(ctx, *env.GroupID)
		if err != nil {
			return nil, err
		}
		if g == nil {
			return nil, ErrUnknownGroup
		}
		member := false
		for _, id := range g.MemberIDs {
			if id == senderID {
				member = true
				break
			}
		}
		if !member {
			return nil, ErrNotAMember
		}
		// The sender is part of the member list and receives the
		// broadcast too.
		return g.MemberIDs, nil
	}
}

// notify formats the outbound notice and delivers it. An envelope that
// carried neither text nor image is persisted but produces no notification.
func (r *Router) notify(senderID int64, env *protocol.Envelope, recipients []int64) {
	switch env.Type {
	case protocol.TypePersonal:
		to := recipients[0]
		if env.ImageData != nil {
			// Personal image deliveries re-send the original base64.
			r.directory.Deliver(to, protocol.FormatPersonal(senderID, env.Image))
		} else if env.Message != "" {
			r.directory.Deliver(to, protocol.FormatPersonal(senderID, env.Message))
		}
	default:
		gid := *env.GroupID
		if env.ImageData != nil {
			r.directory.Broadcast(protocol.FormatGroupImage(senderID, gid), recipients)
		} else if env.Message != "" {
			r.directory.Broadcast(protocol.FormatGroupText(senderID, gid, env.Message), recipients)
		}
	}
}

// AnnounceDeparture notifies every currently-connected co-member of the
// departing user's groups. A store failure here is logged and swallowed:
// the disconnect itself already happened.
func (r *Router) AnnounceDeparture(ctx context.Context, userID int64) {
	groups, err := r.store.GroupsForMember(ctx, userID)
	if err != nil {
		r.log.WithError(err).WithField("user_id", userID).Error("departure lookup failed")
		return
	}

	seen := map[int64]struct{}{userID: {}}
	var recipients []int64
	for _, g := range groups {
		for _, id := range g.MemberIDs {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			recipients = append(recipients, id)
		}
	}
	if len(recipients) == 0 {
		return
	}
	r.directory.Broadcast(protocol.FormatDeparture(userID), recipients)
}

// reject sends the matching error notice to the sender and counts it.
func (r *Router) reject(senderID int64, err error) {
	r.directory.Deliver(senderID, noticeFor(err))
	metrics.RoutingErrors.WithLabelValues(reasonFor(err)).Inc()
	r.log.WithFields(logrus.Fields{
		"sender_id": senderID,
		"reason":    reasonFor(err),
	}).Debug("envelope rejected")
}

func noticeFor(err error) string {
	switch {
	case errors.Is(err, ErrUnknownUser):
		return protocol.NoticeUnknownUser
	case errors.Is(err, ErrUnknownGroup):
		return protocol.NoticeUnknownGroup
	case errors.Is(err, ErrNotAMember):
		return protocol.NoticeNotAMember
	case errors.Is(err, protocol.ErrInvalidImage):
		return protocol.NoticeInvalidImage
	case errors.Is(err, protocol.ErrBadType):
		return protocol.NoticeBadType
	default:
		return protocol.NoticeMalformed
	}
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, ErrUnknownUser):
		return metrics.ReasonUnknownUser
	case errors.Is(err, ErrUnknownGroup):
		return metrics.ReasonUnknownGroup
	case errors.Is(err, ErrNotAMember):
		return metrics.ReasonNotAMember
	case errors.Is(err, protocol.ErrInvalidImage):
		return metrics.ReasonInvalidImage
	case errors.Is(err, protocol.ErrBadType):
		return metrics.ReasonBadType
	default:
		return metrics.ReasonMalformed
	}
}

// routingReason reports the metrics reason when err belongs to the
// recoverable routing taxonomy, "" otherwise.
func routingReason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownUser), errors.Is(err, ErrUnknownGroup), errors.Is(err, ErrNotAMember):
		return reasonFor(err)
	default:
		return ""
	}
}
