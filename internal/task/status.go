package task

import "fmt"

// Status lines shown to the user.
const (
	StatusIdle           = "Detection Result: None"
	StatusNoImage        = "No image selected."
	StatusDetectingImage = "Detecting image... Press 'Cancel' to stop."
	StatusImageCanceled  = "Image detection canceled."
	StatusImageComplete  = "Detection complete. Results displayed."
	StatusResultNotFound = "Error: Result image not found."
	StatusLiveRunning    = "Running live detection... Press 'End' to stop."
	StatusLiveStopped    = "Live detection stopped."
	StatusLiveEnded      = "Live detection ended."
)

func imageErrorStatus(err error) string {
	return fmt.Sprintf("Error during detection: %v", err)
}

func liveErrorStatus(err error) string {
	return fmt.Sprintf("Error during live detection: %v", err)
}

func busyStatus(mode Mode) string {
	return fmt.Sprintf("Busy: %s detection is already running.", mode)
}
