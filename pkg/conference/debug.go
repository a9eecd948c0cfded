package conference

import "sort"

// DebugState is the debug view of one conference as exposed over the
// admin API.
type DebugState struct {
	Room         string                  `json:"room"`
	MeetingID    string                  `json:"meeting_id"`
	Bridges      []BridgeDebugState      `json:"bridges"`
	Participants []ParticipantDebugState `json:"participants"`
}

// BridgeDebugState describes one bridge session.
type BridgeDebugState struct {
	JID         string   `json:"jid"`
	RelayID     string   `json:"relay_id,omitempty"`
	Region      string   `json:"region,omitempty"`
	Established bool     `json:"established"`
	Failed      bool     `json:"failed"`
	OctoPeers   []string `json:"octo_peers,omitempty"`
}

// ParticipantDebugState describes one participant.
type ParticipantDebugState struct {
	Endpoint string `json:"endpoint"`
	State    string `json:"state"`
	Region   string `json:"region,omitempty"`
	Sources  int    `json:"sources"`
}

// DebugState snapshots the conference.
func (c *Conference) DebugState() DebugState {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	state := DebugState{
		Room:      c.room.Bare().String(),
		MeetingID: c.meetingID,
	}
	for _, s := range c.sessions {
		b := BridgeDebugState{
			JID:         s.Bridge().String(),
			RelayID:     s.RelayID(),
			Region:      s.Region(),
			Established: s.established,
			Failed:      s.hasFailed,
		}
		if s.octo != nil {
			b.OctoPeers = s.octo.Relays()
		}
		state.Bridges = append(state.Bridges, b)
	}
	for _, p := range c.participants {
		state.Participants = append(state.Participants, ParticipantDebugState{
			Endpoint: p.Endpoint(),
			State:    string(p.State()),
			Region:   p.Region(),
			Sources:  p.Sources().Size(),
		})
	}
	sort.Slice(state.Participants, func(i, j int) bool {
		return state.Participants[i].Endpoint < state.Participants[j].Endpoint
	})
	return state
}
