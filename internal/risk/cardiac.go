package risk

import "strings"

const (
	CardiacName    = "cardiac"
	CardiacSubject = "analyses.request"
)

// CardiacInput is the heart-disease questionnaire.
type CardiacInput struct {
	Age                  int     `json:"age" binding:"required,min=1,max=120"`
	RestingBloodPressure int     `json:"restingBloodPressure" binding:"required,min=50,max=250"`
	SerumCholesterol     int     `json:"serumCholesterol" binding:"required,min=50,max=700"`
	MaxHeartRate         int     `json:"maxHeartRate" binding:"required,min=40,max=250"`
	Oldpeak              float64 `json:"oldpeak" binding:"min=-5,max=10"`
	Sex                  int     `json:"sex" binding:"min=0,max=1"`
	ChestPainType        int     `json:"chestPainType" binding:"min=0,max=4"`
	FastingBloodSugar    int     `json:"fastingBloodSugar" binding:"min=0,max=1"`
	RestingECG           int     `json:"restingECG" binding:"min=0,max=2"`
	ExerciseAngina       int     `json:"exerciseAngina" binding:"min=0,max=1"`
	StSlope              int     `json:"stSlope" binding:"min=0,max=3"`
}

// Cardiac returns the heart-disease domain publishing on subject.
func Cardiac(subject string) *Domain[CardiacInput] {
	if subject == "" {
		subject = CardiacSubject
	}
	return NewDomain(CardiacName, subject, 1, cardiacFeatures, cardiacRecommendation, Texts{
		Pending:       "Analysis in progress...",
		Accepted:      "Your request was received and is being processed. The result will be available shortly in your history.",
		PublishFailed: "An error occurred while queueing the analysis for processing.",
	})
}

func cardiacFeatures(in CardiacInput) []float64 {
	return []float64{
		float64(in.Age),
		float64(in.RestingBloodPressure),
		float64(in.SerumCholesterol),
		float64(in.MaxHeartRate),
		in.Oldpeak,
		float64(in.Sex),
		float64(in.ChestPainType),
		float64(in.FastingBloodSugar),
		float64(in.RestingECG),
		float64(in.ExerciseAngina),
		float64(in.StSlope),
	}
}

func cardiacRecommendation(code int, in CardiacInput) string {
	if code == 1 {
		return "Patient presents a high risk of heart disease. A full cardiology assessment is recommended, " +
			"including complementary exams such as an echocardiogram and an exercise stress test. " +
			"Consider lifestyle changes and preventive medication."
	}

	var b strings.Builder
	b.WriteString("Patient presents a low risk of heart disease. ")
	if in.RestingBloodPressure > 120 {
		b.WriteString("Monitor blood pressure regularly. ")
	}
	if in.SerumCholesterol > 180 {
		b.WriteString("Consider dietary adjustments to control cholesterol. ")
	}
	if in.Age > 50 {
		b.WriteString("Schedule an annual cardiology check-up due to age. ")
	}
	b.WriteString("Keep healthy habits and regular physical activity.")
	return b.String()
}
