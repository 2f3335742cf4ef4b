package elfwriter

// Note types of the dpudbg core dump notes.
const (
	HeaderNoteType      = 0x44505548 // DPUH
	DescriptionNoteType = 0x44505544 // DPUD
	ContextNoteType     = 0x44505543 // DPUC

	HeaderVersionPrefix    = "Version: "
	HeaderExecutablePrefix = "Executable: "
	HeaderCorePrefix       = "Core: "
)
