package channel

import (
	"fmt"
	"strings"
	"time"

	"github.com/mgiordano/turnoremind/internal/model"
)

// scheduleLine phrases when the appointment happens. Around the classic 24h
// lead (22h-26h away) patients read "mañana"; otherwise the full date.
func scheduleLine(appt model.Appointment, now time.Time, loc *time.Location) string {
	diff := appt.ScheduledAt.Sub(now)
	if diff < 0 {
		diff = -diff
	}
	date := appt.ScheduledAt.In(loc).Format("02/01/2006")
	if diff >= 22*time.Hour && diff <= 26*time.Hour {
		return "mañana"
	}
	return fmt.Sprintf("el día %s a las %s", date, appt.TimeOfDay)
}

func whatsappBody(appt model.Appointment, clinic ClinicInfo, now time.Time, loc *time.Location) string {
	date := appt.ScheduledAt.In(loc).Format("02/01/2006")
	var b strings.Builder
	fmt.Fprintf(&b, "🏥 *%s*\n\n*Recordatorio de Turno*\n\n", clinic.Name)
	fmt.Fprintf(&b, "Estimado/a %s,\n\n", appt.PatientName)
	fmt.Fprintf(&b, "Le recordamos que tiene un turno programado para %s:\n\n", scheduleLine(appt, now, loc))
	fmt.Fprintf(&b, "📅 *Fecha:* %s\n🕒 *Hora:* %s\n", date, appt.TimeOfDay)
	fmt.Fprintf(&b, "👨‍⚕️ *Profesional:* %s\n🏥 *Especialidad:* %s\n📝 *Motivo:* %s\n\n", appt.Practitioner, appt.Specialty, appt.Reason)
	if clinic.Address != "" {
		fmt.Fprintf(&b, "📍 *Nuestra ubicación:*\n%s\n\n", clinic.Address)
	}
	if clinic.Website != "" {
		fmt.Fprintf(&b, "🌐 *Web:* %s\n\n", clinic.Website)
	}
	if clinic.ContactPhone != "" {
		fmt.Fprintf(&b, "💬 *¿Necesita cancelar o tiene consultas?*\nEscríbanos a nuestra línea de WhatsApp: *%s*\n\n", clinic.ContactPhone)
	}
	fmt.Fprintf(&b, "¡Gracias por confiar en %s!", clinic.Name)
	return b.String()
}

func emailSubject(clinic ClinicInfo) string {
	return "Recordatorio de Turno - " + clinic.Name
}

func emailBody(appt model.Appointment, clinic ClinicInfo, now time.Time, loc *time.Location) string {
	date := appt.ScheduledAt.In(loc).Format("02/01/2006")
	var b strings.Builder
	b.WriteString(`<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto;">`)
	fmt.Fprintf(&b, `<h2>%s</h2><h3>Recordatorio de Turno</h3>`, clinic.Name)
	fmt.Fprintf(&b, `<p>Estimado/a <strong>%s</strong>,</p>`, appt.PatientName)
	fmt.Fprintf(&b, `<p>Le recordamos que tiene un turno programado para <strong>%s</strong>:</p><ul>`, scheduleLine(appt, now, loc))
	fmt.Fprintf(&b, `<li><strong>Fecha:</strong> %s</li><li><strong>Hora:</strong> %s</li>`, date, appt.TimeOfDay)
	fmt.Fprintf(&b, `<li><strong>Profesional:</strong> %s</li><li><strong>Especialidad:</strong> %s</li><li><strong>Motivo:</strong> %s</li></ul>`, appt.Practitioner, appt.Specialty, appt.Reason)
	if clinic.Address != "" {
		fmt.Fprintf(&b, `<p><strong>Nuestra ubicación:</strong> %s</p>`, clinic.Address)
	}
	if clinic.Website != "" {
		fmt.Fprintf(&b, `<p><strong>Web:</strong> <a href="%s">%s</a></p>`, clinic.Website, clinic.Website)
	}
	if clinic.ContactPhone != "" {
		fmt.Fprintf(&b, `<p><strong>¿Necesita cancelar o tiene consultas?</strong> Escríbanos a nuestra línea de WhatsApp: <strong>%s</strong></p>`, clinic.ContactPhone)
	}
	fmt.Fprintf(&b, `<p>¡Gracias por confiar en %s!</p></div>`, clinic.Name)
	return b.String()
}
