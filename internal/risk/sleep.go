package risk

import "strings"

const (
	SleepName    = "sleep"
	SleepSubject = "sleep_analyses.request"
)

// SleepInput is the sleep-health questionnaire. Descriptive fields are kept
// with the questionnaire but are not sent to the worker.
type SleepInput struct {
	Gender                string  `json:"gender,omitempty" binding:"omitempty,oneof=Male Female"`
	Age                   int     `json:"age" binding:"required,min=1,max=120"`
	Occupation            string  `json:"occupation,omitempty"`
	SleepDuration         float64 `json:"sleepDuration" binding:"min=0,max=24"`
	QualityOfSleep        int     `json:"qualityOfSleep" binding:"required,min=1,max=10"`
	PhysicalActivityLevel int     `json:"physicalActivityLevel" binding:"min=0,max=100"`
	StressLevel           int     `json:"stressLevel" binding:"required,min=1,max=10"`
	BMICategory           string  `json:"bmiCategory,omitempty"`
	BloodPressure         string  `json:"bloodPressure,omitempty"`
	HeartRate             int     `json:"heartRate" binding:"required,min=30,max=200"`
	DailySteps            int     `json:"dailySteps" binding:"min=0,max=50000"`
}

// Sleep returns the sleep-disorder domain publishing on subject.
func Sleep(subject string) *Domain[SleepInput] {
	if subject == "" {
		subject = SleepSubject
	}
	return NewDomain(SleepName, subject, 2, sleepFeatures, sleepRecommendation, Texts{
		Pending:       "Sleep analysis in progress...",
		Accepted:      "Your sleep analysis request was received and is being processed. The result will be available shortly in your history.",
		PublishFailed: "An error occurred while queueing the sleep analysis.",
	})
}

func sleepFeatures(in SleepInput) []float64 {
	return []float64{
		float64(in.Age),
		in.SleepDuration,
		float64(in.QualityOfSleep),
		float64(in.PhysicalActivityLevel),
		float64(in.StressLevel),
		float64(in.HeartRate),
		float64(in.DailySteps),
	}
}

// sleepRecommendation maps 0 (normal), 1 (possible disorder) and 2 (severe).
func sleepRecommendation(code int, in SleepInput) string {
	switch {
	case code == 1:
		return "Analysis indicates unsatisfactory sleep patterns and a possible sleep disorder. " +
			"Refer the patient for a specialist assessment and consider exams such as polysomnography. " +
			"Advise on sleep hygiene and stress reduction."
	case code == 2:
		return "Analysis indicates a severe sleep disorder. " +
			"Refer the patient to a sleep medicine specialist as a priority and schedule polysomnography. " +
			"Review medication and daytime safety risks such as driving."
	}

	var b strings.Builder
	b.WriteString("Sleep patterns are within normal range. ")
	if in.SleepDuration < 6 {
		b.WriteString("Encourage increasing sleep duration to 7-8 hours. ")
	}
	if in.QualityOfSleep < 6 {
		b.WriteString("Reinforce good sleep hygiene practices. ")
	}
	if in.StressLevel > 6 {
		b.WriteString("Evaluate strategies for stress management. ")
	}
	if in.PhysicalActivityLevel < 4 {
		b.WriteString("Encourage a gradual increase in physical activity. ")
	}
	b.WriteString("Keep a balanced routine and regular sleep.")
	return b.String()
}
