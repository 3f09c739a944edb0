package fswatch

import "strings"

// Flags describes what happened to the path of an Event.
//
// The bit values are the ones used by the macOS FSEvents API, so events from
// that service can be passed through unchanged; the other platforms translate
// their native masks into the same bits.
type Flags uint64

const (
	// Something changed below the path that the notification service could
	// not describe in detail; rescan it.
	MustScanSubDirs Flags = 0x00000001
	// Events were dropped because the user-space queue was full.
	UserDropped Flags = 0x00000002
	// Events were dropped by the kernel.
	KernelDropped Flags = 0x00000004
	// The event id counter wrapped around; ids after this one may be lower.
	EventIDsWrapped Flags = 0x00000008
	// Sentinel sent after all historical events have been delivered.
	HistoryDone Flags = 0x00000010
	// A watched root was moved, removed or re-created.
	RootChanged Flags = 0x00000020
	Mount       Flags = 0x00000040
	Unmount     Flags = 0x00000080

	ItemCreated       Flags = 0x00000100
	ItemRemoved       Flags = 0x00000200
	ItemInodeMetaMod  Flags = 0x00000400
	ItemRenamed       Flags = 0x00000800
	ItemModified      Flags = 0x00001000
	ItemFinderInfoMod Flags = 0x00002000
	ItemChangeOwner   Flags = 0x00004000
	ItemXattrMod      Flags = 0x00008000
	ItemIsFile        Flags = 0x00010000
	ItemIsDir         Flags = 0x00020000
	ItemIsSymlink     Flags = 0x00040000
	// The change was made by this process.
	OwnEvent   Flags = 0x00080000
	ItemCloned Flags = 0x00400000
)

// The order here is the order labels appear in the decoded string.
var flagLabels = []struct {
	flag  Flags
	label string
}{
	{MustScanSubDirs, "Must Scan Subdirectories"},
	{UserDropped, "User Dropped Events"},
	{KernelDropped, "Kernel Dropped Events"},
	{EventIDsWrapped, "Event IDs Wrapped"},
	{HistoryDone, "History Done"},
	{RootChanged, "Root Directory Changed"},
	{Mount, "Mount"},
	{Unmount, "Unmount"},
	{ItemCreated, "Item Created"},
	{ItemRemoved, "Item Removed"},
	{ItemInodeMetaMod, "Item Inode Metadata Modified"},
	{ItemRenamed, "Item Renamed"},
	{ItemModified, "Item Modified"},
	{ItemFinderInfoMod, "Item Finder Info Modified"},
	{ItemChangeOwner, "Item Change Owner"},
	{ItemXattrMod, "Item Extended Attributes Modified"},
	{ItemIsFile, "Item is File"},
	{ItemIsDir, "Item is Directory"},
	{ItemIsSymlink, "Item is Symbolic Link"},
	{OwnEvent, "Own Event"},
	{ItemCloned, "Item Cloned"},
}

// AllFlags has every bit DecodeFlags knows about set.
var AllFlags = func() Flags {
	var all Flags
	for _, l := range flagLabels {
		all |= l.flag
	}
	return all
}()

// Has reports if all bits of h are set in f.
func (f Flags) Has(h Flags) bool { return f&h == h }

// String returns the labels of all set bits, separated by ", ".
func (f Flags) String() string { return DecodeFlags(f) }

// DecodeFlags turns f into a human-readable list of labels, e.g.
// "Item Created, Item is File". Unknown bits are ignored and an empty string is
// returned if no known bit is set.
func DecodeFlags(f Flags) string {
	var b strings.Builder
	for _, l := range flagLabels {
		if f&l.flag == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(", ")
		}
		b.WriteString(l.label)
	}
	return b.String()
}
