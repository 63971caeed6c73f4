package aggregator

import (
	"fmt"
	"os/exec"
	"runtime"
)

// OpenInBrowser launches the system browser on the given URL.
// Callers should fall back to printing the URL when this fails
// (headless hosts commonly have no opener installed).
func OpenInBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("aggregator: open browser: %w", err)
	}
	// Detach; the opener's exit status is not interesting.
	go cmd.Wait()
	return nil
}
