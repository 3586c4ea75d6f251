package entities

import "preroll-recorder/constant"

// Camera is immutable after configuration load.
type Camera struct {
	ID        string
	URL       string
	Transport constant.Transport
}
