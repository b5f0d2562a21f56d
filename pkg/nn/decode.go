package nn

// DecodeParams are the inputs to DecodePredictions, apart from the raw tensor
type DecodeParams struct {
	NumClasses    int             // K. Each row has 5+K values.
	ConfThreshold float32         // Applied to objectness, and again to objectness * class score
	Transform     TransformParams // Letterbox transform of the image that was fed to the model
	Classes       []string        // Class name table (may be shorter than NumClasses)
}

// DecodePredictions converts a raw prediction tensor into candidate detections in original image coordinates.
// Each row is [cx, cy, w, h, objectness, class_0 .. class_{K-1}] in model space.
// Candidates that fall below the threshold, or which collapse to an empty box after
// clamping to the image, are dropped. A trailing partial row is ignored.
// The output is in row order, which NonMaxSuppression relies on for stable tie breaking.
func DecodePredictions(raw []float32, p DecodeParams) []ObjectDetection {
	rowSize := 5 + p.NumClasses
	if p.NumClasses <= 0 {
		return nil
	}
	nRows := len(raw) / rowSize
	out := []ObjectDetection{}
	for i := 0; i < nRows; i++ {
		row := raw[i*rowSize : (i+1)*rowSize]
		objectness := row[4]
		if objectness < p.ConfThreshold {
			continue
		}

		classID := 0
		classConf := row[5]
		for k := 1; k < p.NumClasses; k++ {
			if row[5+k] > classConf {
				classConf = row[5+k]
				classID = k
			}
		}

		confidence := objectness * classConf
		if confidence < p.ConfThreshold {
			continue
		}

		cx, cy, w, h := row[0], row[1], row[2], row[3]
		modelBox := Box{
			X1: cx - w/2,
			Y1: cy - h/2,
			X2: cx + w/2,
			Y2: cy + h/2,
		}
		box := p.Transform.BoxToOriginal(modelBox)
		if !box.IsValid() {
			continue
		}

		out = append(out, ObjectDetection{
			Class:      classID,
			ClassName:  ClassName(p.Classes, classID),
			Confidence: confidence,
			Box:        box,
			Row:        i,
		})
	}
	return out
}
