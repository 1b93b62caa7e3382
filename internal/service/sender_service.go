package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/mailer"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/repository"
)

type SenderService struct {
	SenderRepo repository.SenderRepositoryInterface
	LogRepo    repository.LogRepositoryInterface
	Transport  mailer.Transport
	Log        zerolog.Logger
}

// Verify opens and closes a session with the owned sender's credentials.
func (s *SenderService) Verify(ctx context.Context, senderID, ownerID int64) error {
	sender, err := s.SenderRepo.GetOwned(ctx, senderID, ownerID)
	if err != nil {
		return err
	}
	cfg := mailer.Build(sender)

	verr := s.Transport.Verify(ctx, cfg)
	result := "success"
	if verr != nil {
		result = verr.Error()
	}
	if s.LogRepo != nil {
		if err := s.LogRepo.Append(ctx, ownerID, model.LogActionTestSender,
			fmt.Sprintf("Tested sender %s: %s", sender.Email, result)); err != nil {
			s.Log.Warn().Err(err).Msg("failed to append audit log")
		}
	}
	if verr != nil {
		s.Log.Warn().Err(verr).Int64("sender_id", senderID).Msg("sender verification failed")
		return appErrors.NewTransportUnavailable(cfg.Host, cfg.Port, verr)
	}
	return nil
}
