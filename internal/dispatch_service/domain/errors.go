package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrCampaignNotFound  = errors.New("campaign not found")
	ErrTemplateNotFound  = errors.New("template not found")
	ErrAccountNotFound   = errors.New("channel account not found")
	ErrInvalidTransition = errors.New("invalid campaign status transition")
)
