package domain

// Button is one inline keyboard button carrying an encoded callback
// payload back through the transport.
type Button struct {
	Label    string `json:"label"`
	Callback string `json:"callback"`
	URL      string `json:"url,omitempty"`
}

// Reply is the transport-neutral presentation the engine produces. Text is
// HTML-escaped except structural markup the transport understands.
type Reply struct {
	Text     string     `json:"text"`
	Keyboard [][]Button `json:"keyboard,omitempty"`
	// EditInPlace asks the transport to edit the previous message
	// instead of sending a new one (pagination).
	EditInPlace bool `json:"edit_in_place,omitempty"`
	// DeleteMessageIDs asks the transport to delete these message ids
	// (hide_photos route).
	DeleteMessageIDs []int `json:"delete_message_ids,omitempty"`
	// EndDialog signals the transport to return to its main menu.
	EndDialog bool `json:"end_dialog,omitempty"`
	// PhotoFileIDs are transport file ids to send along with the text.
	PhotoFileIDs []string `json:"photo_file_ids,omitempty"`
	// RemoveKeyboard asks the transport to drop the inline keyboard of
	// the prompting message.
	RemoveKeyboard bool `json:"remove_keyboard,omitempty"`
}
