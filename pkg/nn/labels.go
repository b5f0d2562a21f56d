package nn

import "fmt"

// ObjectDetection is an object that a neural network has found in an image.
// Box is in original image pixels.
type ObjectDetection struct {
	Class      int     `json:"class"`
	ClassName  string  `json:"className"`
	Confidence float32 `json:"confidence"`
	Box        Box     `json:"box"`
	Row        int     `json:"-"` // Index of the row in the raw prediction tensor that produced this detection
}

// Road hazard classes. The index into this list is the class id emitted by the model.
var HazardClasses = []string{
	"Alligator Crack",
	"Block Crack",
	"Construction Joint Crack",
	"Crosswalk Blur",
	"Lane Blur",
	"Longitudinal Crack",
	"Manhole",
	"Patch Repair",
	"Pothole",
	"Transverse Crack",
	"Wheel Mark Crack",
}

// ClassName returns the human readable name of a class.
// Ids outside of the table map to "unknown_<id>".
func ClassName(classes []string, id int) string {
	if id >= 0 && id < len(classes) {
		return classes[id]
	}
	return fmt.Sprintf("unknown_%v", id)
}
