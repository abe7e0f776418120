package emailcheck

// Builtin reference data. The lists are deliberately small and curated:
// high-traffic providers and the disposable services that actually show up
// in signup abuse. Deployments with bigger lists extend them through Config.

var builtinDisposableDomains = []string{
	"10minutemail.com",
	"dispostable.com",
	"fakeinbox.com",
	"getnada.com",
	"guerrillamail.com",
	"maildrop.cc",
	"mailinator.com",
	"mintemail.com",
	"sharklasers.com",
	"spamgourmet.com",
	"temp-mail.org",
	"tempmail.dev",
	"throwawaymail.com",
	"trashmail.com",
	"yopmail.com",
}

var builtinFreeDomains = []string{
	"163.com",
	"aol.com",
	"gmail.com",
	"gmx.com",
	"gmx.net",
	"hotmail.com",
	"icloud.com",
	"live.com",
	"mail.com",
	"me.com",
	"outlook.com",
	"proton.me",
	"protonmail.com",
	"qq.com",
	"yahoo.co.uk",
	"yahoo.com",
	"yandex.com",
	"yandex.ru",
	"zoho.com",
}

// builtinTypoTargets are the domains users most often mistype; an unknown
// domain within a close edit distance of one of these is flagged as a
// likely typo.
var builtinTypoTargets = []string{
	"aol.com",
	"comcast.net",
	"gmail.com",
	"hotmail.com",
	"icloud.com",
	"outlook.com",
	"protonmail.com",
	"yahoo.com",
}

// builtinRoleLocals are local parts addressed to a function rather than a
// person.
var builtinRoleLocals = []string{
	"abuse",
	"admin",
	"administrator",
	"billing",
	"contact",
	"help",
	"hello",
	"hr",
	"info",
	"marketing",
	"no-reply",
	"noreply",
	"office",
	"postmaster",
	"sales",
	"security",
	"support",
	"team",
	"webmaster",
}

func domainSet(base, extra []string) map[string]struct{} {
	set := make(map[string]struct{}, len(base)+len(extra))
	for _, lists := range [][]string{base, extra} {
		for _, d := range lists {
			if d = normalizeDomain(d); d != "" {
				set[d] = struct{}{}
			}
		}
	}
	return set
}
