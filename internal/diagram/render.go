package diagram

import (
	"context"
	"encoding/base64"
	"fmt"
)

// Output formats.
const (
	FormatASCII   = "ascii"
	FormatMermaid = "mermaid"
	FormatImage   = "image"
)

// Render renders model in format. Images come back base64-encoded.
func Render(ctx context.Context, model *DiagramModel, format string) (string, error) {
	switch format {
	case FormatASCII, "":
		return RenderASCII(model), nil
	case FormatMermaid:
		return RenderMermaid(model), nil
	case FormatImage:
		png, err := RenderImage(ctx, model)
		if err != nil {
			return "", err
		}
		return base64.StdEncoding.EncodeToString(png), nil
	default:
		return "", fmt.Errorf("diagram: unsupported format %q (want ascii, mermaid or image)", format)
	}
}
