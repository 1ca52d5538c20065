// Package embedded carries a small application image for trying the
// bootloader without a firmware build. Its vector table points into the
// application region of a device with the default bootloader size.
package embedded

import (
	_ "embed"
)

//go:embed demo-app.bin
var demoApp []byte

// DemoApplication returns the embedded demo application image.
func DemoApplication() []byte {
	return demoApp
}
