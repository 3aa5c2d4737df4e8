package schedule

// Feed event types. The leader/topology feed delivers these as CBOR frames,
// one event per frame, in publication order.

// EventType discriminates feed events.
type EventType uint8

const (
    EvUnknown EventType = iota
    // EvSlotLeaders announces slot → leader assignments.
    EvSlotLeaders
    // EvValidatorAddrs announces validator → ingest endpoint mappings.
    EvValidatorAddrs
    // EvEpochBoundary announces a new epoch window; slots outside it are pruned.
    EvEpochBoundary
    // EvSlotTick advances the cluster's current slot.
    EvSlotTick
)

func (t EventType) String() string {
    switch t {
    case EvSlotLeaders:
        return "slot_leaders"
    case EvValidatorAddrs:
        return "validator_addrs"
    case EvEpochBoundary:
        return "epoch_boundary"
    case EvSlotTick:
        return "slot_tick"
    default:
        return "unknown"
    }
}

// SlotLeader maps one slot to its leader validator.
type SlotLeader struct {
    Slot      uint64 `cbor:"slot" json:"slot"`
    Validator string `cbor:"validator" json:"validator"`
}

// ValidatorAddr maps a validator to its transaction ingest endpoint.
type ValidatorAddr struct {
    Validator string `cbor:"validator" json:"validator"`
    Addr      string `cbor:"addr" json:"addr"`
}

// EpochInfo describes an epoch window.
type EpochInfo struct {
    Epoch        uint64 `cbor:"epoch" json:"epoch"`
    FirstSlot    uint64 `cbor:"first_slot" json:"first_slot"`
    SlotsInEpoch uint64 `cbor:"slots_in_epoch" json:"slots_in_epoch"`
}

// Event is one feed frame. Exactly the fields for its Type are populated.
type Event struct {
    Type EventType `cbor:"type" json:"type"`
    // ObservedAtMS is the feed-side publication time, unix milliseconds.
    // Used for last-write-wins resolution between re-announcements.
    ObservedAtMS int64 `cbor:"observed_at_ms" json:"observed_at_ms"`

    Leaders []SlotLeader    `cbor:"leaders,omitempty" json:"leaders,omitempty"`
    Addrs   []ValidatorAddr `cbor:"addrs,omitempty" json:"addrs,omitempty"`
    Epoch   *EpochInfo      `cbor:"epoch,omitempty" json:"epoch,omitempty"`
    Slot    uint64          `cbor:"slot,omitempty" json:"slot,omitempty"`
}
