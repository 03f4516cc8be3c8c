package control

// Status is the detector's control-channel state, as tracked by the driver.
// It is distinct from (and composed with) the ingestion pipeline's progress
// by the acquisition state machine.
type Status int

const (
	Disconnected Status = iota
	Standby
	SettingEnergy
	SettingThreshold
	SettingExposure
	SettingExposurePeriod
	SettingHardwareTriggerDelay
	SettingExposurePerFrame
	SettingNbImagesInSequence
	ReadingTh
	AnyCommand
	Running
	KillingAcquisition
	Error
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Standby:
		return "Standby"
	case SettingEnergy:
		return "SettingEnergy"
	case SettingThreshold:
		return "SettingThreshold"
	case SettingExposure:
		return "SettingExposure"
	case SettingExposurePeriod:
		return "SettingExposurePeriod"
	case SettingHardwareTriggerDelay:
		return "SettingHardwareTriggerDelay"
	case SettingExposurePerFrame:
		return "SettingExposurePerFrame"
	case SettingNbImagesInSequence:
		return "SettingNbImagesInSequence"
	case ReadingTh:
		return "ReadingTh"
	case AnyCommand:
		return "AnyCommand"
	case Running:
		return "Running"
	case KillingAcquisition:
		return "KillingAcquisition"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}
