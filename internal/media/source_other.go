//go:build !linux

package media

import "github.com/sirupsen/logrus"

// NewDefaultSource returns synthetic tracks on platforms without capture
// drivers. The synthetic flag is implied.
func NewDefaultSource(log *logrus.Entry, _ bool) (Source, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log.WithField("component", "media").Info("no capture drivers on this platform, using synthetic tracks")
	return NewSyntheticSource(), nil
}
