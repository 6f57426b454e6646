// Package model defines the entities and wire-level JSON shapes shared by
// every component of the timing core: the control-plane catalog entities the
// engine reads (Track, TimingLoop, Rider, Moto), the ingest envelope
// contract, the decoded protocol payloads, and the derived event union the
// race engine produces.
package model

import "fmt"

// LoopRole identifies what a TimingLoop is used for.
type LoopRole string

const (
	LoopRoleStart  LoopRole = "start"
	LoopRoleSplit  LoopRole = "split"
	LoopRoleFinish LoopRole = "finish"
)

// TimingLoop is a physical detection point on a track.
type TimingLoop struct {
	ID            string   `json:"id"`
	DecoderID     string   `json:"decoder_id"`
	PositionIndex int      `json:"position_index"`
	Role          LoopRole `json:"role"`
}

// Track is the identity of a physical site and its ordering domain.
type Track struct {
	ID                    string       `json:"id"`
	GateBeaconTransponder uint32       `json:"gate_beacon_transponder"`
	Loops                 []TimingLoop `json:"loops"`
}

// FinishLoop returns the track's single finish loop, if configured.
func (t *Track) FinishLoop() (TimingLoop, bool) {
	for _, l := range t.Loops {
		if l.Role == LoopRoleFinish {
			return l, true
		}
	}
	return TimingLoop{}, false
}

// LoopByDecoderID resolves a decoder id to its configured timing loop.
func (t *Track) LoopByDecoderID(decoderID string) (TimingLoop, bool) {
	for _, l := range t.Loops {
		if l.DecoderID == decoderID {
			return l, true
		}
	}
	return TimingLoop{}, false
}

// Rider is a plate/transponder identity. The core only reads this mapping.
type Rider struct {
	ID            string `json:"id"`
	PlateLabel    string `json:"plate_label"`
	TransponderID uint32 `json:"transponder_id"`
}

// MotoStatus is the control-plane lifecycle status of a heat.
type MotoStatus string

const (
	MotoPending  MotoStatus = "pending"
	MotoStaged   MotoStatus = "staged"
	MotoRacing   MotoStatus = "racing"
	MotoFinished MotoStatus = "finished"
)

// MotoEntry binds one rider to one lane within a Moto.
type MotoEntry struct {
	RiderID string `json:"rider_id"`
	Lane    int    `json:"lane"`
}

// Moto is a single heat: the unit of race execution.
type Moto struct {
	ID      string      `json:"id"`
	TrackID string      `json:"track_id"`
	Entries []MotoEntry `json:"entries"`
	Status  MotoStatus  `json:"status"`
}

// MessageType identifies a decoded protocol message's TLV schema.
type MessageType uint8

const (
	MessageTypePassing MessageType = 1
	MessageTypeStatus  MessageType = 2
	MessageTypeVersion MessageType = 3
)

func (m MessageType) String() string {
	switch m {
	case MessageTypePassing:
		return "PASSING"
	case MessageTypeStatus:
		return "STATUS"
	case MessageTypeVersion:
		return "VERSION"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(m))
	}
}

// Passing is the decoded payload of a PASSING message.
type Passing struct {
	PassingNumber     uint32 `json:"passing_number"`
	TransponderID     uint32 `json:"transponder_id"`
	DecoderID         string `json:"decoder_id"`
	RTCTimeUS         uint64 `json:"rtc_time_us"`
	Strength          *uint8 `json:"strength,omitempty"`
	Hits              *uint8 `json:"hits,omitempty"`
	TransponderString string `json:"transponder_string,omitempty"`
	Flags             uint16 `json:"flags"`
}

// Status is the decoded payload of a STATUS message.
type Status struct {
	Noise         uint8  `json:"noise"`
	GPSStatus     uint8  `json:"gps_status"`
	TemperatureDC int16  `json:"temperature_dc"`
	Satellites    uint8  `json:"satellites"`
	DecoderID     string `json:"decoder_id"`
}

// Version is the decoded payload of a VERSION message.
type Version struct {
	DecoderID   string  `json:"decoder_id"`
	Description string  `json:"description"`
	VersionStr  string  `json:"version"`
	BuildNumber *uint32 `json:"build_number,omitempty"`
}

// Envelope is the ingest wrapper around a decoded message, carrying
// provenance and per-client ordering.
type Envelope struct {
	EventID         string      `json:"event_id"`
	ContractVersion string      `json:"contract_version"`
	TrackID         string      `json:"track_id"`
	ClientID        string      `json:"client_id"`
	BootID          string      `json:"boot_id"`
	Seq             uint64      `json:"seq"`
	CapturedAtUS    int64       `json:"captured_at_us"`
	IngestedAtUS    int64       `json:"ingested_at_us,omitempty"`
	MessageType     MessageType `json:"message_type"`
	Payload         RawPayload  `json:"payload"`
}

// RawPayload carries exactly one of Passing/Status/Version, selected by
// Envelope.MessageType. Only one field is ever populated.
type RawPayload struct {
	Passing *Passing `json:"passing,omitempty"`
	Status  *Status  `json:"status,omitempty"`
	Version *Version `json:"version,omitempty"`
}

// IdempotencyKey is the unique name of one ingest event, per GLOSSARY.
func (e *Envelope) IdempotencyKey() string {
	return fmt.Sprintf("%s:%s:%s:%d", e.TrackID, e.ClientID, e.BootID, e.Seq)
}

// Phase is the lifecycle state of one track's race engine context.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseStaged   Phase = "staged"
	PhaseRacing   Phase = "racing"
	PhaseFinished Phase = "finished"
)

// StagedRider is one rider bound into the active moto, with engine-tracked
// progress.
type StagedRider struct {
	RiderID      string  `json:"rider_id"`
	Lane         int     `json:"lane"`
	LastLoopID   string  `json:"last_loop_id,omitempty"`
	LoopsCrossed int     `json:"loops_crossed"`
	ElapsedUS    *uint64 `json:"elapsed_us,omitempty"`
	Finished     bool    `json:"finished"`
	DNF          bool    `json:"dnf"`
	DNS          bool    `json:"dns"`
}

// RiderPosition is one rider's standing at a point in time.
type RiderPosition struct {
	RiderID     string  `json:"rider_id"`
	Position    int     `json:"position,omitempty"`
	ElapsedUS   *uint64 `json:"elapsed_us,omitempty"`
	GapToLeadUS *int64  `json:"gap_to_leader_us,omitempty"`
	DNF         bool    `json:"dnf"`
}

// RaceState is the full visible state of one track's race engine context.
type RaceState struct {
	TrackID        string          `json:"track_id"`
	Phase          Phase           `json:"phase"`
	MotoID         string          `json:"moto_id,omitempty"`
	GateDropTimeUS *uint64         `json:"gate_drop_time_us,omitempty"`
	Riders         []StagedRider   `json:"riders"`
	Positions      []RiderPosition `json:"positions"`
	FinishedCount  int             `json:"finished_count"`
	TotalRiders    int             `json:"total_riders"`
}

// DerivedKind tags the union member carried by a DerivedEvent.
type DerivedKind string

const (
	KindRaceStaged      DerivedKind = "RaceStaged"
	KindGateDrop        DerivedKind = "GateDrop"
	KindSplitTime       DerivedKind = "SplitTime"
	KindPositionsUpdate DerivedKind = "PositionsUpdate"
	KindRiderFinished   DerivedKind = "RiderFinished"
	KindRaceFinished    DerivedKind = "RaceFinished"
	KindRaceReset       DerivedKind = "RaceReset"
	KindStateSnapshot   DerivedKind = "StateSnapshot"
)

// DerivedEvent is one member of the {RaceStaged, GateDrop, SplitTime,
// PositionsUpdate, RiderFinished, RaceFinished, RaceReset, StateSnapshot}
// tagged union, carrying enough fields to rebuild UI state.
type DerivedEvent struct {
	EventID string      `json:"event_id"`
	TrackID string      `json:"track_id"`
	MotoID  string      `json:"moto_id"`
	Kind    DerivedKind `json:"kind"`
	Seq     uint64      `json:"seq"`
	TSUS    int64       `json:"ts_us"`

	GateDropTimeUS *uint64         `json:"gate_drop_time_us,omitempty"`
	RiderID        string          `json:"rider_id,omitempty"`
	LoopID         string          `json:"loop_id,omitempty"`
	ElapsedUS      *uint64         `json:"elapsed_us,omitempty"`
	Positions      []RiderPosition `json:"positions,omitempty"`
	Snapshot       *RaceState      `json:"snapshot,omitempty"`
}

// AuditReason names why a passing was discarded from race logic.
type AuditReason string

const (
	AuditUnmappedDecoder    AuditReason = "unmapped_decoder"
	AuditUnknownTransponder AuditReason = "unknown_transponder"
	AuditDuplicatePassing   AuditReason = "duplicate_passing"
	AuditOutOfOrder         AuditReason = "out_of_order"
	AuditBeforeGateDrop     AuditReason = "before_gate_drop"
	AuditIgnoredGateHit     AuditReason = "ignored_gate_hit"
)

// AuditRecord is appended whenever the race engine discards a passing from
// race logic instead of crashing the actor (§4.5 rules 2/3/7/8).
type AuditRecord struct {
	TrackID      string      `json:"track_id"`
	MotoID       string      `json:"moto_id,omitempty"`
	Reason       AuditReason `json:"reason"`
	Passing      Passing     `json:"passing"`
	ObservedAtUS int64       `json:"observed_at_us"`
}
