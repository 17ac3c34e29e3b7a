package extract

import (
	"fmt"

	"github.com/WessleyAI/meterscan/engine/domain"
)

const promptTemplate = `You are reading a residential water meter photographed at %s.

Report the value shown on the meter register. Respond with a single JSON object and nothing else:

{
  "meter_value": "<digits exactly as shown, as a string, keep leading zeros, use '.' for a decimal part>",
  "confidence": <number between 0 and 1>,
  "reading_visible": <true or false>,
  "meter_type": "analog" | "digital",
  "units": "cubic_meters" | "gallons",
  "notes": "<anything that affected the reading: glare, dirt, partially turned dials>"
}

If the register cannot be read, set "reading_visible" to false and "meter_value" to null. Do not guess digits.`

// buildPrompt renders the vision prompt for one address.
func buildPrompt(addr domain.Address) string {
	return fmt.Sprintf(promptTemplate, addr.Full())
}
