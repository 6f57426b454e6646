package broker

import "fmt"

// Subject name builders for the four subject families in §6.

func RawSubject(trackID string) string {
	return fmt.Sprintf("timing.ingest.raw.v1.%s", trackID)
}

func DerivedSubject(trackID string) string {
	return fmt.Sprintf("timing.race.events.v1.%s", trackID)
}

func SnapshotSubject(trackID, eventID string) string {
	return fmt.Sprintf("timing.race.snapshot.v1.%s.%s", trackID, eventID)
}

func DeadLetterSubject(source string) string {
	return fmt.Sprintf("timing.dlq.v1.%s", source)
}
