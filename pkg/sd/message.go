package sd

import (
	"github.com/go-someip/someip/pkg/codec"
	"github.com/go-someip/someip/pkg/errorkind"
)

// Flag bits of the SD message header, per AUTOSAR SD.
const (
	FlagReboot  uint8 = 0x80
	FlagUnicast uint8 = 0x40
)

// Message is the Service Discovery payload: flags, reserved, and the
// entries/options arrays. It owns its Options array; Entries reference
// runs of it by (index, count), never by pointer.
type Message struct {
	Flags   uint8
	Entries []Entry
	Options []Option
}

// NewMessage returns an empty SD message with the Unicast flag set, the
// common case for a TCP/UDP-capable node (AUTOSAR SD default).
func NewMessage() *Message {
	return &Message{Flags: FlagUnicast}
}

// AddEntry appends entry to the message after resolving run1/run2 (its
// unicast and multicast option lists respectively) against the shared,
// de-duplicated Options array, and returns the entry as stored (with its
// option index/count fields populated). Either run may be nil.
func (m *Message) AddEntry(entry Entry, run1, run2 []Option) Entry {
	idx1, count1 := m.addOptionsRun(run1)
	idx2, count2 := m.addOptionsRun(run2)
	entry.OptionIndex1, entry.OptionCount1 = idx1, count1
	entry.OptionIndex2, entry.OptionCount2 = idx2, count2
	m.Entries = append(m.Entries, entry)
	return entry
}

// addOptionsRun finds an existing contiguous run in m.Options identical to
// opts, or appends it. Options are de-duplicated by equality, so entries
// carrying the same endpoints share one run.
func (m *Message) addOptionsRun(opts []Option) (index, count uint8) {
	if len(opts) == 0 {
		return 0, 0
	}
	for start := 0; start+len(opts) <= len(m.Options); start++ {
		match := true
		for i, o := range opts {
			if !m.Options[start+i].Equal(o) {
				match = false
				break
			}
		}
		if match {
			return uint8(start), uint8(len(opts))
		}
	}
	start := len(m.Options)
	m.Options = append(m.Options, opts...)
	return uint8(start), uint8(len(opts))
}

// RunOptions1 returns the options entry references in its first run
// (typically unicast reliable/unreliable endpoints).
func (m *Message) RunOptions1(entry Entry) []Option {
	return m.optionsSlice(entry.OptionIndex1, entry.OptionCount1)
}

// RunOptions2 returns the options entry references in its second run
// (typically a multicast endpoint).
func (m *Message) RunOptions2(entry Entry) []Option {
	return m.optionsSlice(entry.OptionIndex2, entry.OptionCount2)
}

func (m *Message) optionsSlice(index, count uint8) []Option {
	if count == 0 {
		return nil
	}
	return m.Options[index : index+count]
}

// Serialize writes flags | reserved | entries_length | entries |
// options_length | options.
func (m *Message) Serialize() []byte {
	entriesBuf := codec.NewSerializer(len(m.Entries) * entryWireLength)
	for _, e := range m.Entries {
		entriesBuf.WriteBytes(e.serialize())
	}
	entries := entriesBuf.Finish()

	optionsBuf := codec.NewSerializer(0)
	for _, o := range m.Options {
		optionsBuf.WriteBytes(o.Serialize())
	}
	options := optionsBuf.Finish()

	s := codec.NewSerializer(8 + len(entries) + len(options))
	s.WriteU8(m.Flags)
	s.WriteBytes([]byte{0, 0, 0}) // reserved
	s.WriteU32(uint32(len(entries)))
	s.WriteBytes(entries)
	s.WriteU32(uint32(len(options)))
	s.WriteBytes(options)
	return s.Finish()
}

// Deserialize parses an SD body. Both entries and options
// arrays are parsed in order, bounded by their own length fields. An entry
// whose option run falls outside the parsed options array is rejected as
// malformed; an entry or option with an unrecognized type
// tag is kept (as an Unknown option, or an Entry with an unrecognized
// EntryType) so the caller can choose to skip just that element rather than
// the whole message.
func Deserialize(data []byte) (*Message, error) {
	d := codec.NewDeserializer(data)
	flags, err := d.ReadU8()
	if err != nil {
		return nil, err
	}
	if err := d.Skip(3); err != nil { // reserved
		return nil, err
	}
	entriesLen, err := d.ReadU32()
	if err != nil {
		return nil, err
	}
	restoreEntries, err := d.Bound(int(entriesLen))
	if err != nil {
		return nil, err
	}
	var entries []Entry
	for d.Remaining() > 0 {
		entry, err := deserializeEntry(d)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	restoreEntries()

	optionsLen, err := d.ReadU32()
	if err != nil {
		return nil, err
	}
	restoreOptions, err := d.Bound(int(optionsLen))
	if err != nil {
		return nil, err
	}
	var options []Option
	for d.Remaining() > 0 {
		opt, err := deserializeOption(d)
		if err != nil {
			return nil, err
		}
		options = append(options, opt)
	}
	restoreOptions()

	msg := &Message{Flags: flags, Entries: entries, Options: options}
	for _, e := range entries {
		if !msg.runInBounds(e.OptionIndex1, e.OptionCount1) || !msg.runInBounds(e.OptionIndex2, e.OptionCount2) {
			return nil, errorkind.ErrMalformedMessage
		}
	}
	return msg, nil
}

func (m *Message) runInBounds(index, count uint8) bool {
	if count == 0 {
		return true
	}
	return int(index)+int(count) <= len(m.Options)
}
