package catalog

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Entry is one offense on a ticket. The same item may appear several times,
// each under its own entry ID.
type Entry struct {
	ID              string      `json:"id"`
	ItemID          string      `json:"item_id"`
	Name            string      `json:"name"`
	Type            OffenseType `json:"type"`
	Fine            int64       `json:"fine"`
	DetentionMonths int         `json:"detention_months"`
}

// Ticket is the session-private list of offenses assembled for a citation.
// The zero value is an empty ticket.
type Ticket struct {
	entries []Entry
	seq     uint64
}

// Add appends item as a new entry.
func (t *Ticket) Add(item Item) Entry {
	t.seq++
	e := Entry{
		ID:              fmt.Sprintf("%s-%d", item.ID, t.seq),
		ItemID:          item.ID,
		Name:            item.Name,
		Type:            item.Type,
		Fine:            item.Fine,
		DetentionMonths: item.DetentionMonths,
	}
	t.entries = append(t.entries, e)
	return e
}

// Toggle removes every entry of item if there is one and adds it otherwise.
// It reports whether item is on the ticket afterwards.
func (t *Ticket) Toggle(item Item) bool {
	kept := t.entries[:0]
	removed := false
	for _, e := range t.entries {
		if e.ItemID == item.ID {
			removed = true
			continue
		}
		kept = append(kept, e)
	}
	t.entries = kept
	if removed {
		return false
	}
	t.Add(item)
	return true
}

// Remove deletes the entry with the given ID and reports whether it existed.
func (t *Ticket) Remove(entryID string) bool {
	for i, e := range t.entries {
		if e.ID == entryID {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Clear empties the ticket.
func (t *Ticket) Clear() {
	t.entries = nil
}

// Entries returns a copy of the entries in selection order.
func (t *Ticket) Entries() []Entry {
	return append([]Entry(nil), t.entries...)
}

// Len returns the number of entries.
func (t *Ticket) Len() int { return len(t.entries) }

// TotalFine sums the fines of all entries.
func (t *Ticket) TotalFine() int64 {
	var sum int64
	for _, e := range t.entries {
		sum += e.Fine
	}
	return sum
}

// TotalDetention sums the detention of all entries in months.
func (t *Ticket) TotalDetention() int {
	sum := 0
	for _, e := range t.entries {
		sum += e.DetentionMonths
	}
	return sum
}

var german = message.NewPrinter(language.German)

// Summary renders the ticket as the text block officers paste into the
// citation form. Amounts use German digit grouping.
func (t *Ticket) Summary() (string, error) {
	if len(t.entries) == 0 {
		return "", ErrEmptyTicket
	}
	var b strings.Builder
	b.WriteString("=== STRAFZETTEL ===\n")
	fmt.Fprintf(&b, "ANZAHL DELIKTE: %d\n", len(t.entries))
	b.WriteString(german.Sprintf("GESAMTSTRAFE: %d $\n", t.TotalFine()))
	fmt.Fprintf(&b, "GESAMT-HAFTZEIT: %d Monate\n\n", t.TotalDetention())
	b.WriteString("DELIKTLISTE:\n")
	for _, e := range t.entries {
		fmt.Fprintf(&b, "- %s: %d Monate", e.Name, e.DetentionMonths)
		if e.Fine > 0 {
			b.WriteString(german.Sprintf(" - $%d Geldstrafe", e.Fine))
		}
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// TicketView is the JSON form of a ticket.
type TicketView struct {
	Entries        []Entry `json:"entries"`
	TotalFine      int64   `json:"total_fine"`
	TotalDetention int     `json:"total_detention_months"`
}

// View returns a snapshot of t.
func (t *Ticket) View() TicketView {
	return TicketView{
		Entries:        append([]Entry{}, t.entries...),
		TotalFine:      t.TotalFine(),
		TotalDetention: t.TotalDetention(),
	}
}
