package server

import (
	"context"
	"time"

	"go.uber.org/zap"

	"securechat/internal/cryptographic/encryption"
	"securechat/internal/metrics"
	"securechat/internal/model"
	"securechat/internal/protocol/keyexchange"
	"securechat/internal/utils/log"
	"securechat/pkg/errors"
)

// handleSendMessage opens the envelope with the sender's session key and
// re-seals it for each recipient connection under that connection's key.
func (s *HttpServer) handleSendMessage(ctx context.Context, c *client, frame *model.Frame) {
	var req model.SendMessageRequest
	if err := frame.Decode(&req); err != nil {
		s.sendError(c, msgInvalidMessage)
		return
	}
	if err := req.Validate(); err != nil {
		s.sendError(c, msgInvalidMessage)
		return
	}

	if s.orchestrator.State(c.id) == keyexchange.NoKeys {
		s.sendError(c, errors.ErrNotJoined.Error())
		return
	}

	key, err := s.orchestrator.SessionKey(ctx, c.userID, c.id)
	if err != nil {
		s.sendError(c, publicMessage(err, msgSendFailed))
		return
	}

	plaintext, err := encryption.Open(req.Content, key)
	if err != nil {
		log.Warn("open envelope failed", zap.String("connection_id", c.id), zap.Error(err))
		s.sendError(c, msgInvalidMessage)
		return
	}

	messageType := req.MessageType
	if messageType == "" {
		messageType = model.MessageTypeText
	}

	delivered := 0
	for _, r := range s.recipients(c, req.ReceiverID) {
		err := s.deliver(ctx, r, &model.Envelope{
			Timestamp:   time.Now().UTC(),
			SenderID:    c.userID,
			ReceiverID:  req.ReceiverID,
			MessageType: messageType,
		}, plaintext)
		metrics.MessagesRelayed.WithLabelValues(metrics.Status(err)).Inc()
		if err != nil {
			log.Debug("skip recipient", zap.String("connection_id", r.id), zap.Error(err))
			continue
		}
		delivered++
	}

	if req.ReceiverID != "" && delivered == 0 {
		log.Info("no live connection for receiver",
			zap.String("sender_id", c.userID),
			zap.String("receiver_id", req.ReceiverID))
	}
}

// recipients lists the connections of receiverID, or every other connection
// when receiverID is empty.
func (s *HttpServer) recipients(sender *client, receiverID string) []*client {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*client
	for _, c := range s.clients {
		if c.id == sender.id {
			continue
		}
		if receiverID != "" && c.userID != receiverID {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (s *HttpServer) deliver(ctx context.Context, r *client, env *model.Envelope, plaintext string) error {
	key, err := s.orchestrator.SessionKey(ctx, r.userID, r.id)
	if err != nil {
		return err
	}

	env.Content, env.IV, err = encryption.Seal(plaintext, key)
	if err != nil {
		return err
	}

	frame, err := model.NewFrame(model.FrameMessage, env)
	if err != nil {
		return err
	}
	return r.writeJSON(frame)
}
