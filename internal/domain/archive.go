package domain

import "time"

// ArchivedDeadLetter records where a dead-lettered message's raw bytes
// were copied to in the archive store.
type ArchivedDeadLetter struct {
	ObjectKey     string
	OriginalTopic string
	CorrelationID string
	ArchivedAt    time.Time
}

// RecoverySummary is the archived record of one startup recovery run.
type RecoverySummary struct {
	StartedAt         time.Time
	Duration          time.Duration
	Status            string
	UpcomingScheduled int
	OverdueFired      int
	Failed            int
	Errors            []string
}
