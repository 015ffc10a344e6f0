package conversation

const (
	msgGreeting = "👋 Hi %s!\n\nI'm a URL downloader bot. Send me a link and I'll fetch the file for you."
	msgHelp     = "Send me a link starting with http:// or https://. I'll ask for the format, a file name and, for videos, a thumbnail.\n\n" +
		"Commands:\n" +
		"/cancel - abort the current request\n" +
		"/skip - keep the default name or thumbnail\n" +
		"/history - your recent transfers"

	msgChooseFormat   = "Which format do you want?"
	msgPressButton    = "Please choose a format using the buttons above, or send /cancel."
	msgAlreadyActive  = "⚠️ You already have a request in progress. Finish it or send /cancel."
	msgButtonExpired  = "This button is not for you or has expired."
	msgAskFilename    = "Great! Now send a name for the file.\n\nSend /skip to keep the default name."
	msgFilenameAsText = "Please send the file name as text, or /skip."
	msgDefaultName    = "👍 OK, the default name will be used."
	msgNameSet        = "✅ File name set: %s"
	msgAskThumbnail   = "Now send a photo to use as the thumbnail, or /skip."
	msgThumbReceived  = "✅ Thumbnail received. Starting download…"
	msgThumbSkipped   = "👍 OK, no custom thumbnail. Starting download…"
	msgThumbFailed    = "Could not fetch that photo. Send another one or /skip."
	msgSendPhoto      = "Please send a photo or /skip."
	msgStarting       = "⏬ Starting download…"
	msgBusy           = "⚠️ The bot is busy right now. Please send the link again in a moment."

	msgCancelled     = "✅ Request cancelled."
	msgNothingCancel = "Nothing to cancel."
	msgCannotCancel  = "⏳ Your transfer is already running and cannot be cancelled."

	msgHistoryOff   = "History is not enabled on this bot."
	msgHistoryEmpty = "No transfers yet."
	msgHistoryHead  = "🗂 Your recent transfers:"
)
