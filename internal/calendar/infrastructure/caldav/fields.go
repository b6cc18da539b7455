package caldav

import (
	"strings"

	"github.com/emersion/go-ical"

	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
)

// fieldCodec maps one VEVENT property to the Content field it carries.
// decode is called once per occurrence of the property; encode writes every
// occurrence of it.
type fieldCodec struct {
	name   string
	decode func(p *ical.Prop, c *domain.Content) error
	encode func(c domain.Content, props ical.Props)
}

// fieldTable lists the content properties exchanged with the server. Times,
// alarms and identity properties are handled by the codec itself.
var fieldTable = []fieldCodec{
	textField(ical.PropSummary,
		func(c *domain.Content, v string) { c.Title = v },
		func(c domain.Content) string { return c.Title }),
	textField(ical.PropDescription,
		func(c *domain.Content, v string) { c.Description = v },
		func(c domain.Content) string { return c.Description }),
	textField(ical.PropLocation,
		func(c *domain.Content, v string) { c.Location = v },
		func(c domain.Content) string { return c.Location }),
	{
		name: ical.PropStatus,
		decode: func(p *ical.Prop, c *domain.Content) error {
			c.Status = domain.ParseStatus(p.Value)
			return nil
		},
		encode: func(c domain.Content, props ical.Props) {
			props.SetText(ical.PropStatus, statusToWire(c.Status))
		},
	},
	{
		name: ical.PropTransparency,
		decode: func(p *ical.Prop, c *domain.Content) error {
			if strings.EqualFold(strings.TrimSpace(p.Value), "TRANSPARENT") {
				c.ShowAs = domain.ShowAsFree
			} else {
				c.ShowAs = domain.ShowAsBusy
			}
			return nil
		},
		encode: func(c domain.Content, props ical.Props) {
			v := "OPAQUE"
			if c.ShowAs == domain.ShowAsFree {
				v = "TRANSPARENT"
			}
			props.SetText(ical.PropTransparency, v)
		},
	},
	{
		name: ical.PropCategories,
		decode: func(p *ical.Prop, c *domain.Content) error {
			values, err := p.TextList()
			if err != nil {
				return err
			}
			c.Categories = append(c.Categories, values...)
			return nil
		},
		encode: func(c domain.Content, props ical.Props) {
			if len(c.Categories) == 0 {
				return
			}
			p := ical.NewProp(ical.PropCategories)
			p.SetTextList(c.Categories)
			props.Set(p)
		},
	},
	{
		name: ical.PropOrganizer,
		decode: func(p *ical.Prop, c *domain.Content) error {
			c.Organizer = domain.NormalizeEmail(p.Value)
			return nil
		},
		encode: func(c domain.Content, props ical.Props) {
			if c.Organizer == "" {
				return
			}
			p := ical.NewProp(ical.PropOrganizer)
			p.Value = "mailto:" + c.Organizer
			props.Set(p)
		},
	},
	{
		name: ical.PropAttendee,
		decode: func(p *ical.Prop, c *domain.Content) error {
			email := domain.NormalizeEmail(p.Value)
			if email == "" {
				return nil
			}
			c.Attendees = append(c.Attendees, domain.Attendee{
				Email:  email,
				Name:   p.Params.Get(ical.ParamCommonName),
				Status: strings.ToUpper(p.Params.Get(ical.ParamParticipationStatus)),
			})
			return nil
		},
		encode: func(c domain.Content, props ical.Props) {
			for _, a := range c.Attendees {
				p := ical.NewProp(ical.PropAttendee)
				p.Value = "mailto:" + a.Email
				if a.Name != "" {
					p.Params.Set(ical.ParamCommonName, a.Name)
				}
				if a.Status != "" {
					p.Params.Set(ical.ParamParticipationStatus, a.Status)
				}
				props.Add(p)
			}
		},
	},
}

// fieldIndex resolves a property name to its entry in fieldTable.
var fieldIndex = func() map[string]*fieldCodec {
	idx := make(map[string]*fieldCodec, len(fieldTable))
	for i := range fieldTable {
		idx[fieldTable[i].name] = &fieldTable[i]
	}
	return idx
}()

func textField(name string, set func(*domain.Content, string), get func(domain.Content) string) fieldCodec {
	return fieldCodec{
		name: name,
		decode: func(p *ical.Prop, c *domain.Content) error {
			v, err := p.Text()
			if err != nil {
				return err
			}
			set(c, v)
			return nil
		},
		encode: func(c domain.Content, props ical.Props) {
			if v := get(c); v != "" {
				props.SetText(name, v)
			}
		},
	}
}

func statusToWire(s domain.Status) string {
	switch s {
	case domain.StatusTentative:
		return "TENTATIVE"
	case domain.StatusCancelled:
		return "CANCELLED"
	default:
		return "CONFIRMED"
	}
}
