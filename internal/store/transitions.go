package store

import "github.com/samanakhatri365/samana-khatri-QueueEase/internal/models"

var transitionMap = map[string][]string{
	models.StatusServing:   {models.StatusWaiting},
	models.StatusCompleted: {models.StatusWaiting, models.StatusServing},
	models.StatusSkipped:   {models.StatusWaiting, models.StatusServing},
	models.StatusCancelled: {models.StatusWaiting, models.StatusServing},
}

func ValidTransition(fromStatus, toStatus string) bool {
	allowed, ok := transitionMap[toStatus]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}

func Terminal(status string) bool {
	switch status {
	case models.StatusCompleted, models.StatusSkipped, models.StatusCancelled:
		return true
	default:
		return false
	}
}
